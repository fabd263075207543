package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// PostgresConfig configures the production persistence client.
type PostgresConfig struct {
	DSN            string
	Debug          bool
	PingTimeout    time.Duration
	OtelIdentifier string
	// SkipMigrate leaves schema management to an external migration runner.
	SkipMigrate bool
}

func (c PostgresConfig) GetDebug() bool    { return c.Debug }
func (c PostgresConfig) GetDriver() string { return "postgres" }
func (c PostgresConfig) GetServer() string { return c.DSN }

func (c PostgresConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout > 0 {
		return c.PingTimeout
	}
	return 5 * time.Second
}

func (c PostgresConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) != "" {
		return c.OtelIdentifier
	}
	return "go-subscriptions"
}

// NewPostgresClient opens a lib/pq connection, wraps it in a persistence
// client on the bun postgres dialect, and applies the embedded migrations.
// The returned client plugs straight into New via WithPersistenceClient.
func NewPostgresClient(ctx context.Context, cfg PostgresConfig) (*persistence.Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("subscriptions: postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: open postgres connection: %w", err)
	}
	client, err := persistence.New(cfg, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("subscriptions: new persistence client: %w", err)
	}
	if cfg.SkipMigrate {
		return client, nil
	}

	// The postgres migrations sit at the root of the embedded tree; dialect
	// alternates live in subdirectories and are ignored here.
	fsys, err := fs.Sub(migrationsFS, "data/sql/migrations")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscriptions: resolve migrations filesystem: %w", err)
	}
	client.RegisterSQLMigrations(fsys)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscriptions: apply migrations: %w", err)
	}
	return client, nil
}
