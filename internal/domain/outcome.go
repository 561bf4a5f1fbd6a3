package domain

import (
	"context"
	"time"
)

type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records the result of relaying one inbound message.
// It never carries message content.
type Outcome struct {
	RelayID      string
	MessageID    string
	ChannelID    string
	AuthorID     string
	Status       OutcomeStatus
	Stage        string // resolve_webhook | execute | panic, set on failure
	FilesSent    int
	FilesDropped int
	Elapsed      time.Duration
	Err          string
	CreatedAt    time.Time
}

// OutcomeStore persists relay outcomes.
type OutcomeStore interface {
	Record(ctx context.Context, o Outcome) error
	Recent(ctx context.Context, limit int) ([]Outcome, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
