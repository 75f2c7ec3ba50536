package jobstore

import (
	"sort"
	"time"
)

// pruneLocked evicts old job records so memory stays bounded. Jobs can be
// created frequently and keeping every record forever steadily retains
// memory. Caller holds s.mu.
func (s *Store) pruneLocked(now time.Time) {
	if len(s.jobs) == 0 {
		return
	}

	// 1) Drop terminal jobs older than TTL.
	for id, j := range s.jobs {
		if j == nil {
			delete(s.jobs, id)
			continue
		}
		if !j.Status.Terminal() {
			continue
		}
		reference := j.CompletedAt
		if reference.IsZero() {
			reference = j.CreatedAt
		}
		if !reference.IsZero() && now.Sub(reference) > s.ttl {
			delete(s.jobs, id)
		}
	}

	if len(s.jobs) <= s.max {
		return
	}

	// 2) Still too big: drop the oldest terminal jobs first. In-flight jobs
	// are never evicted.
	type kv struct {
		id string
		t  time.Time
	}

	items := make([]kv, 0, len(s.jobs))
	for id, j := range s.jobs {
		if j == nil || !j.Status.Terminal() {
			continue
		}
		t := j.CompletedAt
		if t.IsZero() {
			t = j.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	if len(items) == 0 {
		return
	}

	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.jobs) - s.max
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.jobs, items[i].id)
	}
}
