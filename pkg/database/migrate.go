package database

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/server/*.sql migrations/station/*.sql
var migrations embed.FS

// Schema selects which embedded migration set to apply.
type Schema string

const (
	SchemaServer  Schema = "server"
	SchemaStation Schema = "station"
)

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Migrate applies every pending migration of the schema.
func Migrate(ctx context.Context, db *sqlx.DB, schema Schema) error {
	dialect, err := gooseDialect(schema)
	if err != nil {
		return err
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db.DB, "migrations/"+string(schema))
}

func gooseDialect(schema Schema) (string, error) {
	switch schema {
	case SchemaServer:
		return "postgres", nil
	case SchemaStation:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unknown schema %q", schema)
	}
}
