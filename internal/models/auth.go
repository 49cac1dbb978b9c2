package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the bearer token payload presented by station agents.
type JWTClaims struct {
	UserID    string   `json:"user_id"`
	Role      UserRole `json:"role"`
	StationID string   `json:"station_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueTokenRequest describes the operator a token is minted for.
type IssueTokenRequest struct {
	UserID    string        `validate:"required"`
	Role      UserRole      `validate:"required,oneof=SUPERADMIN ADMIN OPERATOR"`
	StationID string        `validate:"omitempty,max=64"`
	TTL       time.Duration `validate:"gte=0"`
}
