package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Election Sync API",
        "description": "Central push/pull endpoints for offline-first polling-station agents",
        "version": "1.0.0"
    },
    "basePath": "/",
    "schemes": ["http", "https"],
    "securityDefinitions": {
        "Bearer": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Sync", "description": "Station change exchange"},
        {"name": "Ops", "description": "Health and metrics"}
    ],
    "paths": {
        "/health": {
            "get": {"tags": ["Ops"], "summary": "Liveness check", "responses": {"200": {"description": "OK"}}}
        },
        "/ready": {
            "get": {
                "tags": ["Ops"],
                "summary": "Readiness check",
                "responses": {"200": {"description": "Ready"}, "503": {"description": "A dependency is down"}}
            }
        },
        "/sync/push": {
            "post": {
                "tags": ["Sync"],
                "summary": "Push a batch of station changes",
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PushRequest"}}
                ],
                "responses": {
                    "200": {"description": "Per-change outcomes", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Malformed request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Missing or invalid token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Referenced entity missing", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "413": {"description": "Payload too large", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sync/pull": {
            "get": {
                "tags": ["Sync"],
                "summary": "Pull changes newer than a cursor",
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "last_sync", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "limit", "in": "query", "type": "integer", "maximum": 1000},
                    {"name": "offset", "in": "query", "type": "integer", "minimum": 0}
                ],
                "responses": {
                    "200": {"description": "One page of changes", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sync/stats": {
            "get": {
                "tags": ["Sync"],
                "summary": "Sync health for the caller's station",
                "security": [{"Bearer": []}],
                "parameters": [
                    {"name": "station_id", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Station summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "EntityChange": {
            "type": "object",
            "required": ["id", "entity_type", "entity_id", "operation", "timestamp"],
            "properties": {
                "id": {"type": "string"},
                "entity_type": {"type": "string", "enum": ["User", "Party", "Pen", "TallySession", "Voter", "TallyLine", "AuditLog"]},
                "entity_id": {"type": "string"},
                "operation": {"type": "string", "enum": ["CREATE", "UPDATE", "DELETE"]},
                "data": {"type": "object"},
                "timestamp": {"type": "string", "format": "date-time"},
                "retry_count": {"type": "integer"}
            }
        },
        "PushRequest": {
            "type": "object",
            "required": ["changes"],
            "properties": {
                "changes": {"type": "array", "items": {"$ref": "#/definitions/EntityChange"}},
                "client_timestamp": {"type": "string", "format": "date-time"},
                "station_id": {"type": "string"},
                "pending_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
