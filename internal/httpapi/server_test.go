package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dmcast/internal/discord"
	"dmcast/internal/dispatch"
	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

// fakePlatform emulates the REST surface the service talks to.
func fakePlatform(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/guilds", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]discord.Guild{{ID: "g1", Name: "Test Guild"}})
	})
	mux.HandleFunc("GET /guilds/g1/members", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]discord.Member{
			{User: discord.User{ID: "u1", Username: "alice"}, Presence: "online"},
			{User: discord.User{ID: "u2", Username: "bob"}, Presence: "offline"},
			{User: discord.User{ID: "u3", Username: "helper", Bot: true}, Presence: "online"},
		})
	})
	mux.HandleFunc("POST /users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ch-" + body["recipient_id"]})
	})
	mux.HandleFunc("POST /channels/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAPI(t *testing.T) *Server {
	t.Helper()
	platform := fakePlatform(t)

	cfg := discord.Config{APIBase: platform.URL, Timeout: 2 * time.Second}
	factory := func(sess discord.Session) *discord.Client {
		return discord.New(cfg, sess, nil, logx.Nop())
	}

	store := jobstore.New(0, 0)
	disp := dispatch.New(dispatch.Config{}, store,
		func(sess discord.Session) dispatch.APIClient { return factory(sess) },
		logx.Nop())
	disp.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Stop(ctx)
	})

	return New(Config{Addr: "127.0.0.1:0"}, disp, factory, logx.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndPollRoundtrip(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	h := api.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/broadcasts", "Bot tok", map[string]any{
		"guild_id": "g1",
		"message":  "hello everyone",
		"filter":   "all",
		"delay":    0,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sub struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if sub.JobID == "" || sub.Status != "pending" {
		t.Fatalf("submit response = %+v", sub)
	}

	var report dispatch.Report
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := doJSON(t, h, http.MethodGet, "/api/broadcasts/"+sub.JobID, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll status = %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		if report.Status == "completed" || report.Status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", report.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if report.Status != "completed" {
		t.Fatalf("status = %s, want completed", report.Status)
	}
	if report.TotalMembers != 2 || report.SentCount != 2 || report.FailedCount != 0 {
		t.Fatalf("total/sent/failed = %d/%d/%d, want 2/2/0 (bot excluded)",
			report.TotalMembers, report.SentCount, report.FailedCount)
	}
	if report.Progress != 100 {
		t.Fatalf("progress = %d, want 100", report.Progress)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	h := api.Router()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty message", map[string]any{"guild_id": "g1", "message": ""}},
		{"missing guild", map[string]any{"message": "hi"}},
		{"oversized message", map[string]any{"guild_id": "g1", "message": strings.Repeat("a", 2001)}},
		{"bad filter", map[string]any{"guild_id": "g1", "message": "hi", "filter": "everyone"}},
		{"negative delay", map[string]any{"guild_id": "g1", "message": "hi", "delay": -1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/broadcasts", "Bot tok", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMissingCredential(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	h := api.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/broadcasts", "", map[string]any{
		"guild_id": "g1", "message": "hi",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBodyTokenAndDefaultTokenFallback(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	h := api.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/broadcasts", "", map[string]any{
		"token": "from-body", "guild_id": "g1", "message": "hi",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("body token rejected: %d", rec.Code)
	}

	api.SetDefaultToken("fallback")
	rec = doJSON(t, h, http.MethodPost, "/api/broadcasts", "", map[string]any{
		"guild_id": "g1", "message": "hi",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("default token not used: %d", rec.Code)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodGet, "/api/broadcasts/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListGuilds(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodGet, "/api/guilds", "Bot tok", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var guilds []discord.Guild
	if err := json.Unmarshal(rec.Body.Bytes(), &guilds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(guilds) != 1 || guilds[0].ID != "g1" {
		t.Fatalf("guilds = %+v", guilds)
	}
}

func TestMemberPreviewHonorsFilter(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	h := api.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/guilds/g1/members?filter=online", "Bot tok", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp membersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.Members[0].ID != "u1" {
		t.Fatalf("preview = %+v, want only the online non-bot", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/guilds/g1/members?filter=bogus", "Bot tok", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d, want 400", rec.Code)
	}
}

func TestSchedulesUnavailableWithoutScheduler(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodGet, "/api/schedules", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestWalletUnavailableWithoutLedger(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodGet, "/api/wallet", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestTestMessageEndpoint(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodPost, "/api/test-message", "Bot tok", map[string]any{
		"user_id": "u1",
		"message": "ping",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "sent" {
		t.Fatalf("response = %v", resp)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
