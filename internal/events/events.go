// Package events publishes broadcast lifecycle notifications for external
// consumers. Polling the HTTP API stays the primary way to track a job; the
// event stream is an optional push channel on top.
package events

import (
	"context"
	"time"
)

const (
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
)

// JobEvent describes one broadcast reaching a terminal state.
type JobEvent struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	GuildID string    `json:"guild_id"`
	Status  string    `json:"status"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Total   int       `json:"total"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Publisher delivers job events to an external sink.
type Publisher interface {
	PublishJob(ctx context.Context, ev JobEvent) error
}
