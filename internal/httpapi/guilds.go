package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dmcast/internal/discord"
)

func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFrom(r, "")
	if err != nil {
		s.fail(w, err)
		return
	}
	guilds, err := s.clients(sess).ListGuilds(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if guilds == nil {
		guilds = []discord.Guild{}
	}
	s.respond(w, http.StatusOK, guilds)
}

type memberView struct {
	ID       string `json:"id"`
	Tag      string `json:"tag"`
	Display  string `json:"display"`
	Presence string `json:"presence"`
}

type membersResponse struct {
	GuildID string       `json:"guild_id"`
	Filter  string       `json:"filter"`
	Total   int          `json:"total"`
	Members []memberView `json:"members"`
}

// handleListMembers previews the recipients a broadcast with the given
// filter would target.
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFrom(r, "")
	if err != nil {
		s.fail(w, err)
		return
	}
	guildID := chi.URLParam(r, "guildID")
	rawFilter := r.URL.Query().Get("filter")

	members, err := s.dispatch.ResolvePreview(r.Context(), sess, guildID, rawFilter)
	if err != nil {
		s.fail(w, err)
		return
	}

	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{
			ID:       m.User.ID,
			Tag:      m.Tag(),
			Display:  m.DisplayName(),
			Presence: m.EffectivePresence(),
		})
	}
	filter := rawFilter
	if filter == "" {
		filter = "all"
	}
	s.respond(w, http.StatusOK, membersResponse{
		GuildID: guildID,
		Filter:  filter,
		Total:   len(views),
		Members: views,
	})
}
