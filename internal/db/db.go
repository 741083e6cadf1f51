package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for the operator's audit trail.
//
// Conversation content is deliberately not stored here: sessions live in
// memory for the lifetime of a connection.
type Store interface {
	AuditStore
	ConfirmationStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Audit store ─────────────────────────────────────────────────────────────

// AuditRecord is the DB representation of an audit event.
type AuditRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	SessionID     string    `json:"session_id"`
	Tool          string    `json:"tool"`
	Tier          string    `json:"tier"`
	Description   string    `json:"description"`
	Resource      string    `json:"resource"`
	Result        string    `json:"result"`
	Metadata      string    `json:"metadata"` // JSON blob
	Timestamp     time.Time `json:"timestamp"`
}

// AuditStore persists audit log entries.
type AuditStore interface {
	// AppendAuditEvent appends an immutable audit event.
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error

	// QueryAuditEvents retrieves audit events with optional filters.
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}

// AuditQuery filters audit event queries.
type AuditQuery struct {
	SessionID string
	Tool      string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ─── Confirmation store ──────────────────────────────────────────────────────

// Confirmation statuses.
const (
	ConfirmationPending    = "pending"
	ConfirmationAuthorized = "authorized"
	ConfirmationDenied     = "denied"
	ConfirmationExpired    = "expired"
	ConfirmationDiscarded  = "discarded"
	// ConfirmationRefused means the operator authorized the call but the
	// protected-resource guard still refused it.
	ConfirmationRefused = "refused"
)

// ConfirmationRecord tracks one human-in-the-loop decision.
type ConfirmationRecord struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Tool       string     `json:"tool"`
	Tier       string     `json:"tier"`
	Arguments  string     `json:"arguments"` // JSON blob
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ConfirmationStore persists confirmation requests and their outcome.
type ConfirmationStore interface {
	// SaveConfirmation inserts a pending confirmation.
	SaveConfirmation(ctx context.Context, rec *ConfirmationRecord) error

	// ResolveConfirmation sets the final status. Only pending records can be
	// resolved; resolving twice returns ErrNotFound.
	ResolveConfirmation(ctx context.Context, id, status string, at time.Time) error

	// GetConfirmation fetches a record by id.
	GetConfirmation(ctx context.Context, id string) (*ConfirmationRecord, error)

	// ListConfirmations returns a session's confirmations, newest first.
	ListConfirmations(ctx context.Context, sessionID string, limit int) ([]*ConfirmationRecord, error)
}
