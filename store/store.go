// Package store defines the persistence abstraction for the runtime's
// operator accounts and telemetry audit trail.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---- domain types ----

// Operator is a human account authorized to connect to telemetry.Server
// or the admin HTTP surface.
type Operator struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // admin | operator
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type OperatorUpdate struct {
	Username     *string
	PasswordHash *string
	Role         *string
}

// OperatorSession is a refresh-token-backed login session.
type OperatorSession struct {
	ID           uuid.UUID `json:"id"`
	OperatorID   int64     `json:"operator_id"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditAction classifies one telemetry.Server-observable operator action.
type AuditAction string

const (
	AuditConnect        AuditAction = "connect"
	AuditDisconnect      AuditAction = "disconnect"
	AuditSubscribe       AuditAction = "subscribe"
	AuditUnsubscribe     AuditAction = "unsubscribe"
	AuditParameterWrite  AuditAction = "parameter_write"
)

// AuditEntry is one row of the telemetry_audit_log: which operator did
// what, to which path, and when.
type AuditEntry struct {
	ID         int64       `json:"id"`
	OperatorID int64       `json:"operator_id"`
	Action     AuditAction `json:"action"`
	Path       string      `json:"path,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	TS         time.Time   `json:"ts"`
}

// ---- store interface ----

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ---- operators ----
	CreateOperator(ctx context.Context, username, passwordHash, role string) (*Operator, error)
	GetOperator(ctx context.Context, id int64) (*Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (*Operator, error)
	ListOperators(ctx context.Context) ([]*Operator, error)
	UpdateOperator(ctx context.Context, id int64, fields OperatorUpdate) (*Operator, error)
	DeleteOperator(ctx context.Context, id int64) error

	// ---- sessions ----
	CreateSession(ctx context.Context, operatorID int64, refreshToken string, expiresAt time.Time) (*OperatorSession, error)
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*OperatorSession, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context) error

	// ---- audit trail ----
	RecordAudit(ctx context.Context, operatorID int64, action AuditAction, path, detail string) error
	RecentAudit(ctx context.Context, operatorID int64, limit int) ([]AuditEntry, error)

	// ---- config ----
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	// ---- lifecycle ----
	Close() error
}
