// Package jobstore holds broadcast job records for polling across request
// cycles. The dispatch engine is the only writer; API handlers only read
// snapshots.
package jobstore

import (
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a job can no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Failure is one recipient that could not be delivered to.
type Failure struct {
	Recipient string `json:"recipient"` // "username#discriminator"
	Reason    string `json:"reason"`
}

// Job is one broadcast's full lifecycle record.
type Job struct {
	ID          string        `json:"id"`
	GuildID     string        `json:"guild_id"`
	Message     string        `json:"message"`
	Filter      string        `json:"filter"`
	Delay       time.Duration `json:"delay"`
	Concurrency int           `json:"concurrency"`
	Mentions    bool          `json:"mentions"`

	Status       Status    `json:"status"`
	Progress     int       `json:"progress"` // 0..100
	SentCount    int       `json:"sent_count"`
	FailedCount  int       `json:"failed_count"`
	TotalMembers int       `json:"total_members"`
	Failures     []Failure `json:"failures,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Error is set only when Status is failed (setup error, nothing attempted).
	Error string `json:"error,omitempty"`
}

// RecomputeProgress derives the progress percentage from the counters.
// Called inside Store.Update so counters and progress always move together.
func (j *Job) RecomputeProgress() {
	if j.TotalMembers <= 0 {
		// A completed empty broadcast is fully done, not stuck at zero.
		if j.Status == StatusCompleted {
			j.Progress = 100
		} else {
			j.Progress = 0
		}
		return
	}
	done := j.SentCount + j.FailedCount
	j.Progress = int(float64(done)/float64(j.TotalMembers)*100 + 0.5)
}

// Store is an in-memory job map with snapshot reads and bounded retention.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	max int
	ttl time.Duration
}

const (
	defaultJobsMax = 200
	defaultJobTTL  = 24 * time.Hour
)

func New(max int, ttl time.Duration) *Store {
	if max <= 0 {
		max = defaultJobsMax
	}
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &Store{jobs: map[string]*Job{}, max: max, ttl: ttl}
}

// Apply updates retention bounds at runtime.
func (s *Store) Apply(max int, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 {
		s.max = max
	}
	if ttl > 0 {
		s.ttl = ttl
	}
}

// Create inserts a new job record and prunes old ones.
func (s *Store) Create(j *Job) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	cp := *j
	s.jobs[j.ID] = &cp
}

// Get returns a deep-copied snapshot so readers never observe a half-applied
// update.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return Job{}, false
	}
	cp := *j
	if len(j.Failures) > 0 {
		cp.Failures = append([]Failure(nil), j.Failures...)
	}
	return cp, true
}

// Update applies fn to the job under the write lock. All mutations of one
// delivery step (counters, failure list, progress) happen inside a single
// call so polls always see a consistent record. Progress is recomputed after
// fn returns. Terminal jobs are immutable; late updates are dropped.
func (s *Store) Update(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return false
	}
	if j.Status.Terminal() {
		return false
	}
	fn(j)
	j.RecomputeProgress()
	return true
}

// Len reports the number of retained jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
