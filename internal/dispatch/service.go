package dispatch

import (
	"context"
	"time"

	"dmcast/internal/events"
	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

func New(cfg Config, store *jobstore.Store, clients ClientFactory, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     withDefaults(cfg),
		store:   store,
		clients: clients,
		log:     log,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.DefaultDelay < 0 {
		cfg.DefaultDelay = defaultDelay
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = defaultConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.MaxConcurrency < cfg.DefaultConcurrency {
		cfg.MaxConcurrency = cfg.DefaultConcurrency
	}
	if cfg.RetryAfterCap <= 0 {
		cfg.RetryAfterCap = defaultRetryAfterCap
	}
	return cfg
}

// SetAuthorizer installs the admission gate. Optional; call before Start.
func (s *Service) SetAuthorizer(a Authorizer) {
	s.mu.Lock()
	s.auth = a
	s.mu.Unlock()
}

// SetArchiver installs the terminal-job sink. Optional; call before Start.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

// SetPublisher installs the lifecycle event publisher. Optional; call before Start.
func (s *Service) SetPublisher(p events.Publisher) {
	s.mu.Lock()
	s.pub = p
	s.mu.Unlock()
}

// Apply updates tunables at runtime. Running jobs keep the settings they
// started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

// DefaultDelay reports the engine's effective per-recipient delay default.
func (s *Service) DefaultDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultDelay
}

// DefaultConcurrency reports the engine's effective lane-count default.
func (s *Service) DefaultConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultConcurrency
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.log.Info("dispatch engine started",
		logx.Duration("default_delay", s.cfg.DefaultDelay),
		logx.Int("default_concurrency", s.cfg.DefaultConcurrency),
		logx.Int("max_concurrency", s.cfg.MaxConcurrency),
	)
}

// Stop cancels the run context and waits for in-flight jobs up to ctx's
// deadline. Jobs interrupted mid-flight stay in processing; there is no
// crash/restart recovery sweep.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	cancel := s.runCancel
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatch engine stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("dispatch engine stop timed out; jobs abandoned", logx.Duration("took", time.Since(start)))
	}
}

// Status returns a snapshot of one job.
func (s *Service) Status(jobID string) (jobstore.Job, bool) {
	return s.store.Get(jobID)
}

func (s *Service) publishTerminal(ctx context.Context, j jobstore.Job) {
	s.mu.Lock()
	pub := s.pub
	arch := s.archive
	auth := s.auth
	s.mu.Unlock()

	if arch != nil {
		if err := arch.ArchiveJob(ctx, j); err != nil {
			s.log.Warn("job archive failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	if auth != nil && j.SentCount > 0 {
		if err := auth.Consume(ctx, j.SentCount); err != nil {
			s.log.Warn("credit consume failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	if pub != nil {
		ev := events.JobEvent{
			Type:    events.TypeJobCompleted,
			JobID:   j.ID,
			GuildID: j.GuildID,
			Status:  string(j.Status),
			Sent:    j.SentCount,
			Failed:  j.FailedCount,
			Total:   j.TotalMembers,
			At:      time.Now().UTC(),
		}
		if j.Status == jobstore.StatusFailed {
			ev.Type = events.TypeJobFailed
			ev.Error = j.Error
		}
		if err := pub.PublishJob(ctx, ev); err != nil {
			s.log.Warn("job event publish failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
}
