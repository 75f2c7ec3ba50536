// Package schedule fires broadcasts later or on a recurring plan. An entry
// freezes its submit parameters at creation time; firing simply hands them
// to the dispatch engine.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dmcast/internal/dispatch"
	logx "dmcast/pkg/logx"
)

// Config controls the schedule service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Submitter starts a broadcast. Satisfied by the dispatch service.
type Submitter interface {
	Submit(params dispatch.SubmitParams) (string, error)
}

// Info is the external view of one entry.
type Info struct {
	ID      string    `json:"id"`
	Spec    string    `json:"spec"`
	GuildID string    `json:"guild_id"`
	Once    bool      `json:"once"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
}

type entry struct {
	id     string
	spec   string
	params dispatch.SubmitParams

	entryID cron.EntryID // recurring entries only

	once  bool
	at    time.Time
	timer *time.Timer
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	submit Submitter

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	started bool
}

var ErrDisabled = errors.New("scheduling disabled")

func New(cfg Config, submit Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("svc", "schedule")),
		cfg:     cfg,
		submit:  submit,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.c.Start()
	s.started = true
	s.log.Info("service started", logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped")
}

// Apply picks up a timezone change by restarting the cron runner with the
// existing entries.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	tzChanged := cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	if !s.started || !tzChanged {
		s.mu.Unlock()
		return
	}
	old := s.c
	s.c = nil
	s.mu.Unlock()

	// Drain outside the lock: a firing entry takes s.mu on its way in, so
	// the old runner cannot report done while we hold it.
	<-old.Stop().Done()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if !e.once {
			e.entryID = c.Schedule(mustSchedule(s.parser, e.spec), s.fireJob(e.id))
		}
	}
	s.c = c
	c.Start()
	tz := s.loc.String()
	s.mu.Unlock()
	s.log.Info("service restarted", logx.String("tz", tz))
}

// Add registers a schedule. Spec forms, tried in order:
//   - RFC3339 timestamp: fire once at that instant
//   - cron expression or descriptor ("@every 1h", "0 9 * * 1"): recurring
func (s *Service) Add(spec string, params dispatch.SubmitParams) (Info, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Info{}, fmt.Errorf("schedule spec is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return Info{}, ErrDisabled
	}

	id := uuid.NewString()
	e := &entry{id: id, spec: spec, params: params}

	if at, err := time.Parse(time.RFC3339, spec); err == nil {
		delay := time.Until(at)
		if delay <= 0 {
			return Info{}, fmt.Errorf("one-shot time %s is in the past", spec)
		}
		e.once = true
		e.at = at
		e.timer = time.AfterFunc(delay, func() { s.fire(id) })
		s.entries[id] = e
		s.log.Info("one-shot broadcast scheduled",
			logx.String("id", id),
			logx.Time("at", at),
			logx.String("guild", params.GuildID),
		)
		return s.infoLocked(e), nil
	}

	sched, err := s.parser.Parse(spec)
	if err != nil {
		return Info{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	e.entryID = s.c.Schedule(sched, s.fireJob(id))
	s.entries[id] = e
	s.log.Info("recurring broadcast scheduled",
		logx.String("id", id),
		logx.String("spec", spec),
		logx.String("guild", params.GuildID),
	)
	return s.infoLocked(e), nil
}

// Remove cancels an entry. Reports whether it existed.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	if !e.once && s.c != nil {
		s.c.Remove(e.entryID)
	}
	s.log.Info("schedule removed", logx.String("id", id))
	return true
}

// List returns all live entries.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.infoLocked(e))
	}
	return out
}

// Get returns one entry.
func (s *Service) Get(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Info{}, false
	}
	return s.infoLocked(e), true
}

func (s *Service) fireJob(id string) cron.Job {
	return cron.FuncJob(func() { s.fire(id) })
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || !s.started {
		s.mu.Unlock()
		return
	}
	params := e.params
	if e.once {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	jobID, err := s.submit.Submit(params)
	if err != nil {
		s.log.Warn("scheduled broadcast submit failed",
			logx.String("schedule", id),
			logx.Err(err),
		)
		return
	}
	s.log.Info("scheduled broadcast fired",
		logx.String("schedule", id),
		logx.String("job", jobID),
	)
}

func (s *Service) infoLocked(e *entry) Info {
	info := Info{
		ID:      e.id,
		Spec:    e.spec,
		GuildID: e.params.GuildID,
		Once:    e.once,
	}
	if e.once {
		info.Next = e.at
		return info
	}
	if s.c != nil {
		ce := s.c.Entry(e.entryID)
		info.Next = ce.Next
		info.Prev = ce.Prev
	}
	return info
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// mustSchedule re-parses a spec that already parsed once. Used only when
// rebuilding the runner after a timezone change.
func mustSchedule(p cron.Parser, spec string) cron.Schedule {
	sched, err := p.Parse(spec)
	if err != nil {
		panic(fmt.Sprintf("schedule spec %q no longer parses: %v", spec, err))
	}
	return sched
}
