package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultTokenTable = "malauth_tokens"

// PostgresBackendConfig captures configuration required to initialize a Postgres-backed store.
type PostgresBackendConfig struct {
	DSN    string
	Schema string
	Table  string
	// RecordID is the primary key of the record row.
	RecordID string
}

// PostgresBackend stores the sealed record as one BYTEA row.
type PostgresBackend struct {
	db  *sql.DB
	cfg PostgresBackendConfig
}

// NewPostgresBackend connects to PostgreSQL and creates the schema and table
// when missing.
func NewPostgresBackend(ctx context.Context, cfg PostgresBackendConfig) (*PostgresBackend, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTokenTable
	}
	if strings.TrimSpace(cfg.RecordID) == "" {
		return nil, fmt.Errorf("postgres store: record id is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	backend := &PostgresBackend{db: db, cfg: cfg}
	if err = backend.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (s *PostgresBackend) Name() string { return "postgres" }

// Close releases the underlying database connection.
func (s *PostgresBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the token table (and schema when provided).
func (s *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create token table: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	var content []byte
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	err := s.db.QueryRowContext(ctx, query, s.cfg.RecordID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: read record: %w", err)
	}
	return content, nil
}

func (s *PostgresBackend) Write(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.RecordID, data); err != nil {
		return fmt.Errorf("postgres store: upsert record: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Delete(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.RecordID); err != nil {
		return fmt.Errorf("postgres store: delete record: %w", err)
	}
	return nil
}

func (s *PostgresBackend) fullTableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
