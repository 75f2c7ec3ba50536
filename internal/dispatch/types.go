package dispatch

import (
	"context"
	"sync"
	"time"

	"dmcast/internal/discord"
	"dmcast/internal/events"
	"dmcast/internal/jobstore"
	"dmcast/internal/targets"
	logx "dmcast/pkg/logx"
)

type Config struct {
	// DefaultDelay is the per-lane pause applied after each recipient when a
	// submission does not set its own.
	DefaultDelay time.Duration

	DefaultConcurrency int
	MaxConcurrency     int

	// RetryAfterCap bounds how long a signaled retry-after is honored before
	// the recipient is recorded as failed.
	RetryAfterCap time.Duration
}

const (
	defaultDelay          = time.Second
	defaultConcurrency    = 1
	defaultMaxConcurrency = 5
	defaultRetryAfterCap  = 30 * time.Second
)

// APIClient is the slice of the platform client the engine drives.
type APIClient interface {
	ListMembers(ctx context.Context, guildID string) ([]discord.Member, error)
	CreateDMChannel(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, channelID, content string) error
}

// ClientFactory builds a client bound to one session. Sessions are values:
// concurrent jobs under different credentials never share bot state.
type ClientFactory func(sess discord.Session) APIClient

// Authorizer gates broadcast admission (credit ledger). A nil Authorizer
// allows everything.
type Authorizer interface {
	// Authorize is consulted once per job, after target resolution and
	// before any send.
	Authorize(ctx context.Context, recipients int) error
	// Consume records actual usage once the job is terminal.
	Consume(ctx context.Context, sent int) error
}

// Archiver persists terminal job records. A nil Archiver skips archival.
type Archiver interface {
	ArchiveJob(ctx context.Context, j jobstore.Job) error
}

// SubmitParams is one broadcast request.
type SubmitParams struct {
	Session discord.Session
	GuildID string
	Message string
	Filter  targets.Filter

	Delay       time.Duration
	Concurrency int
	Mentions    bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   *jobstore.Store
	clients ClientFactory
	auth    Authorizer
	archive Archiver
	pub     events.Publisher
	log     logx.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	jobWG     sync.WaitGroup
}
