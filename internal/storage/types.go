package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("document not found")
	ErrBadKey   = errors.New("invalid document key")
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is a directory holding <key>.json files and audit.jsonl
//   - "sqlite": Path is the database file, or a directory for chanrelay.db
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an admin action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
}

// Store is the persistence API used by the routing store, the command
// processor and maintenance jobs.
type Store interface {
	// GetDocument returns ErrNotFound when key was never written.
	GetDocument(ctx context.Context, key string) ([]byte, error)
	PutDocument(ctx context.Context, key string, body []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// DocumentWatcher is implemented by drivers that can observe edits made
// outside the process. fn runs after each settled change.
type DocumentWatcher interface {
	WatchDocument(ctx context.Context, key string, fn func()) error
}
