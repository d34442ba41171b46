package queuedb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status int16

const (
	Queued  Status = 1
	Running Status = 2
	Failed  Status = -1
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one row of the queue table. Message is opaque to the store and is
// written and read back verbatim.
type Job struct {
	bun.BaseModel `bun:"table:queue,alias:q"`

	ID             uuid.UUID       `bun:"id,pk,type:uuid"`
	CreatedAt      time.Time       `bun:"created_at,notnull"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull"`
	ScheduledFor   time.Time       `bun:"scheduled_for,notnull"`
	FailedAttempts int             `bun:"failed_attempts,notnull"`
	Status         Status          `bun:"status,notnull"`
	Message        json.RawMessage `bun:"message,type:jsonb,notnull"`
}

func (j *Job) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now().UTC()
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = j.CreatedAt
		}
		if j.ScheduledFor.IsZero() {
			j.ScheduledFor = j.CreatedAt
		}
		if j.Status == 0 {
			j.Status = Queued
		}
	}
	return nil
}

type StatusCount struct {
	Status Status `bun:"status"`
	Count  int    `bun:"count"`
}

// RetryPolicy decides what a failed attempt turns into.
type RetryPolicy struct {
	MaxAttempts int

	// Backoff is the delay before the first retry. Each further attempt doubles it.
	// Zero makes a failed job claimable again immediately.
	Backoff time.Duration
}

const maxBackoff = time.Hour

// RetryAt returns the earliest time a job with the given failed attempt count
// may be claimed again.
func (p RetryPolicy) RetryAt(attempts int, now time.Time) time.Time {
	if p.Backoff <= 0 || attempts < 1 {
		return now
	}
	delay := p.Backoff
	for i := 1; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return now.Add(delay)
}

// Exhausted reports whether attempts has used up the retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
