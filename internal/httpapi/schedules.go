package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dmcast/internal/dispatch"
	"dmcast/internal/schedule"
	"dmcast/internal/targets"
)

type createScheduleRequest struct {
	// Spec is a cron expression, a descriptor like "@every 24h", or an
	// RFC3339 timestamp for a one-shot run.
	Spec string `json:"spec"`

	Token        string   `json:"token,omitempty"`
	GuildID      string   `json:"guild_id"`
	Message      string   `json:"message"`
	Filter       string   `json:"filter,omitempty"`
	DelaySeconds *float64 `json:"delay,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
	Mentions     bool     `json:"mentions,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.fail(w, schedule.ErrDisabled)
		return
	}
	var req createScheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.sessionFrom(r, req.Token)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.GuildID == "" {
		s.fail(w, &dispatch.ValidationError{Field: "guild_id", Msg: "is required"})
		return
	}
	if req.Message == "" {
		s.fail(w, &dispatch.ValidationError{Field: "message", Msg: "is required"})
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

	info, err := s.sched.Add(req.Spec, dispatch.SubmitParams{
		Session:     sess,
		GuildID:     req.GuildID,
		Message:     req.Message,
		Filter:      filter,
		Delay:       delay,
		Concurrency: req.Concurrency,
		Mentions:    req.Mentions,
	})
	if err != nil {
		if !errors.Is(err, schedule.ErrDisabled) {
			err = &dispatch.ValidationError{Field: "spec", Msg: err.Error()}
		}
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, info)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		s.fail(w, schedule.ErrDisabled)
		return
	}
	list := s.sched.List()
	if list == nil {
		list = []schedule.Info{}
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.fail(w, schedule.ErrDisabled)
		return
	}
	id := chi.URLParam(r, "id")
	if !s.sched.Remove(id) {
		s.respond(w, http.StatusNotFound, errorBody{Error: "unknown schedule id"})
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
