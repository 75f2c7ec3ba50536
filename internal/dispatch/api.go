package dispatch

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dmcast/internal/discord"
	"dmcast/internal/jobstore"
	"dmcast/internal/targets"
	logx "dmcast/pkg/logx"
)

// Submit validates one broadcast request, creates its job record in pending,
// and returns the job id immediately. Delivery runs as a background unit of
// work owned by the engine; large guilds can take minutes and the caller is
// never blocked on them.
func (s *Service) Submit(params SubmitParams) (string, error) {
	if err := s.validate(&params); err != nil {
		return "", err
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return "", ErrNotRunning
	}

	now := time.Now()
	job := &jobstore.Job{
		ID:          uuid.NewString(),
		GuildID:     params.GuildID,
		Message:     params.Message,
		Filter:      string(params.Filter),
		Delay:       params.Delay,
		Concurrency: params.Concurrency,
		Mentions:    params.Mentions,
		Status:      jobstore.StatusPending,
		CreatedAt:   now,
	}
	s.store.Create(job)

	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		s.runJob(runCtx, job.ID, params)
	}()

	s.log.Info("broadcast job submitted",
		logx.String("job", job.ID),
		logx.String("guild", params.GuildID),
		logx.String("filter", string(params.Filter)),
		logx.Duration("delay", params.Delay),
		logx.Int("concurrency", params.Concurrency),
	)
	return job.ID, nil
}

// validate applies submission rules and fills defaults. Rejected inputs never
// create a job or touch the network.
func (s *Service) validate(p *SubmitParams) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if strings.TrimSpace(p.Session.Token) == "" {
		return &ValidationError{Field: "credential", Msg: "bot token is required"}
	}
	if strings.TrimSpace(p.GuildID) == "" {
		return &ValidationError{Field: "guild_id", Msg: "guild id is required"}
	}
	if strings.TrimSpace(p.Message) == "" {
		return &ValidationError{Field: "message", Msg: "message is required"}
	}
	if n := utf8.RuneCountInString(p.Message); n > discord.MaxMessageLen {
		return &ValidationError{Field: "message", Msg: "message exceeds 2000 characters"}
	}
	if p.Delay < 0 {
		return &ValidationError{Field: "delay", Msg: "delay must be >= 0"}
	}
	if p.Filter == "" {
		p.Filter = targets.FilterAll
	}
	if p.Concurrency == 0 {
		p.Concurrency = cfg.DefaultConcurrency
	}
	if p.Concurrency < 0 {
		return &ValidationError{Field: "concurrency", Msg: "concurrency must be >= 1"}
	}
	if p.Concurrency > cfg.MaxConcurrency {
		return &ValidationError{Field: "concurrency", Msg: "concurrency exceeds configured maximum"}
	}
	return nil
}

// ResolvePreview lists and filters a guild's members without starting a job.
// Used by the member-preview endpoint; shares resolver semantics with real
// dispatch.
func (s *Service) ResolvePreview(ctx context.Context, sess discord.Session, guildID, rawFilter string) ([]discord.Member, error) {
	f, err := targets.ParseFilter(rawFilter)
	if err != nil {
		return nil, &ValidationError{Field: "filter", Msg: err.Error()}
	}
	client := s.clients(sess)
	members, err := client.ListMembers(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return targets.Resolve(members, f), nil
}
