// Package calllog persists per-call conversation turns for later
// review. Writes are best-effort; the relay never blocks a live call
// on the log.
package calllog

import (
	"context"
	"time"
)

// Record stores a single caller or assistant turn of one call.
type Record struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	WorkflowID string    `json:"workflow_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and retrieves call turns.
type Store interface {
	SaveTurn(ctx context.Context, record Record) error
	RecentTurns(ctx context.Context, callID string, limit int) ([]Record, error)
	Close() error
}
