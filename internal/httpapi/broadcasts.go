package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dmcast/internal/dispatch"
	"dmcast/internal/targets"
)

type submitBroadcastRequest struct {
	Token   string `json:"token,omitempty"`
	GuildID string `json:"guild_id"`
	Message string `json:"message"`
	Filter  string `json:"filter,omitempty"`
	// DelaySeconds is the per-lane pause between recipients. Fractional
	// seconds are accepted.
	DelaySeconds *float64 `json:"delay,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
	Mentions     bool     `json:"mentions,omitempty"`
}

type submitBroadcastResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmitBroadcast(w http.ResponseWriter, r *http.Request) {
	var req submitBroadcastRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.sessionFrom(r, req.Token)
	if err != nil {
		s.fail(w, err)
		return
	}

	filter, err := targets.ParseFilter(req.Filter)
	if err != nil {
		s.fail(w, &dispatch.ValidationError{Field: "filter", Msg: err.Error()})
		return
	}

	delay := s.dispatch.DefaultDelay()
	if req.DelaySeconds != nil {
		delay = time.Duration(*req.DelaySeconds * float64(time.Second))
	}

	jobID, err := s.dispatch.Submit(dispatch.SubmitParams{
		Session:     sess,
		GuildID:     req.GuildID,
		Message:     req.Message,
		Filter:      filter,
		Delay:       delay,
		Concurrency: req.Concurrency,
		Mentions:    req.Mentions,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, submitBroadcastResponse{JobID: jobID, Status: "pending"})
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, ok := s.dispatch.Report(id)
	if !ok {
		s.respond(w, http.StatusNotFound, errorBody{Error: "unknown job id"})
		return
	}
	s.respond(w, http.StatusOK, report)
}

type testMessageRequest struct {
	Token   string `json:"token,omitempty"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleTestMessage delivers a single DM outside any job, for verifying a
// credential and message before a full broadcast.
func (s *Server) handleTestMessage(w http.ResponseWriter, r *http.Request) {
	var req testMessageRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.UserID == "" {
		s.fail(w, &dispatch.ValidationError{Field: "user_id", Msg: "is required"})
		return
	}
	if req.Message == "" {
		s.fail(w, &dispatch.ValidationError{Field: "message", Msg: "is required"})
		return
	}
	sess, err := s.sessionFrom(r, req.Token)
	if err != nil {
		s.fail(w, err)
		return
	}

	client := s.clients(sess)
	channelID, err := client.CreateDMChannel(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := client.SendMessage(r.Context(), channelID, req.Message); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "sent"})
}
