package dispatch

import (
	"time"

	"dmcast/internal/jobstore"
)

// FailureDetail is one undeliverable recipient in a report.
type FailureDetail struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// Report is the external view of a broadcast job, shaped for API responses.
type Report struct {
	JobID        string          `json:"job_id"`
	GuildID      string          `json:"guild_id"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	SentCount    int             `json:"sent_count"`
	FailedCount  int             `json:"failed_count"`
	TotalMembers int             `json:"total_members"`
	Failures     []FailureDetail `json:"failures,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// BuildReport projects a stored job into its report form.
func BuildReport(j jobstore.Job) Report {
	r := Report{
		JobID:        j.ID,
		GuildID:      j.GuildID,
		Status:       string(j.Status),
		Progress:     j.Progress,
		SentCount:    j.SentCount,
		FailedCount:  j.FailedCount,
		TotalMembers: j.TotalMembers,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		r.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		r.CompletedAt = &t
	}
	for _, f := range j.Failures {
		r.Failures = append(r.Failures, FailureDetail{Recipient: f.Recipient, Reason: f.Reason})
	}
	return r
}

// Report returns the report for a job, when known.
func (s *Service) Report(jobID string) (Report, bool) {
	j, ok := s.store.Get(jobID)
	if !ok {
		return Report{}, false
	}
	return BuildReport(j), true
}
