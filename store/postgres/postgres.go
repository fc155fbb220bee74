// Package postgres provides the PostgreSQL-backed Store implementation
// for operator accounts and the telemetry audit trail. It uses pgx/v5
// (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldrt/runtime/auth"
	"github.com/fieldrt/runtime/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by cmd/initdb (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// SeedAdminOperator creates an admin operator with the given credentials
// only when the operators table is empty (i.e. fresh deployment). It is
// a no-op if any operator already exists.
func (d *DB) SeedAdminOperator(ctx context.Context, username, password string) error {
	var count int
	if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM operators`).Scan(&count); err != nil {
		return fmt.Errorf("count operators: %w", err)
	}
	if count > 0 {
		return nil // already seeded
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = d.CreateOperator(ctx, username, hash, "admin")
	return err
}

// ---- operators ----

func (d *DB) CreateOperator(ctx context.Context, username, passwordHash, role string) (*store.Operator, error) {
	var o store.Operator
	err := d.pool.QueryRow(ctx, `
		INSERT INTO operators (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, role, created_at, updated_at
	`, username, passwordHash, role).Scan(
		&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (d *DB) GetOperator(ctx context.Context, id int64) (*store.Operator, error) {
	var o store.Operator
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at, updated_at FROM operators WHERE id = $1`, id,
	).Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &o, err
}

func (d *DB) GetOperatorByUsername(ctx context.Context, username string) (*store.Operator, error) {
	var o store.Operator
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at, updated_at FROM operators WHERE username = $1`, username,
	).Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &o, err
}

func (d *DB) ListOperators(ctx context.Context) ([]*store.Operator, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, username, password_hash, role, created_at, updated_at FROM operators ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var operators []*store.Operator
	for rows.Next() {
		var o store.Operator
		if err := rows.Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		operators = append(operators, &o)
	}
	return operators, rows.Err()
}

func (d *DB) UpdateOperator(ctx context.Context, id int64, fields store.OperatorUpdate) (*store.Operator, error) {
	var o store.Operator
	err := d.pool.QueryRow(ctx, `
		UPDATE operators SET
			username      = COALESCE($2, username),
			password_hash = COALESCE($3, password_hash),
			role          = COALESCE($4, role),
			updated_at    = now()
		WHERE id = $1
		RETURNING id, username, password_hash, role, created_at, updated_at
	`, id, fields.Username, fields.PasswordHash, fields.Role).
		Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Role, &o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &o, err
}

func (d *DB) DeleteOperator(ctx context.Context, id int64) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM operators WHERE id = $1`, id)
	return err
}

// ---- sessions ----

func (d *DB) CreateSession(ctx context.Context, operatorID int64, refreshToken string, expiresAt time.Time) (*store.OperatorSession, error) {
	var s store.OperatorSession
	err := d.pool.QueryRow(ctx, `
		INSERT INTO operator_sessions (operator_id, refresh_token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, operator_id, refresh_token, expires_at, created_at
	`, operatorID, refreshToken, expiresAt).
		Scan(&s.ID, &s.OperatorID, &s.RefreshToken, &s.ExpiresAt, &s.CreatedAt)
	return &s, err
}

func (d *DB) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*store.OperatorSession, error) {
	var s store.OperatorSession
	err := d.pool.QueryRow(ctx,
		`SELECT id, operator_id, refresh_token, expires_at, created_at FROM operator_sessions WHERE refresh_token = $1`,
		refreshToken,
	).Scan(&s.ID, &s.OperatorID, &s.RefreshToken, &s.ExpiresAt, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &s, err
}

func (d *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM operator_sessions WHERE id = $1`, id)
	return err
}

func (d *DB) DeleteExpiredSessions(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM operator_sessions WHERE expires_at < now()`)
	return err
}

// ---- audit trail ----

func (d *DB) RecordAudit(ctx context.Context, operatorID int64, action store.AuditAction, path, detail string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO telemetry_audit_log (operator_id, action, path, detail)
		VALUES ($1, $2, $3, $4)
	`, operatorID, string(action), path, detail)
	return err
}

func (d *DB) RecentAudit(ctx context.Context, operatorID int64, limit int) ([]store.AuditEntry, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, operator_id, action, path, detail, ts
		FROM telemetry_audit_log
		WHERE operator_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, operatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.OperatorID, &action, &e.Path, &e.Detail, &e.TS); err != nil {
			return nil, err
		}
		e.Action = store.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}
