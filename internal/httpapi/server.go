// Package httpapi is the inbound HTTP boundary: broadcast submission and
// polling, guild and member lookups, wallet intake, and schedule management.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dmcast/internal/discord"
	"dmcast/internal/dispatch"
	"dmcast/internal/schedule"
	"dmcast/internal/storage"
	"dmcast/internal/wallet"
	logx "dmcast/pkg/logx"
)

// Config controls the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	// Debug mounts the profiling handlers under /debug. Keep the listener
	// on loopback when this is on.
	Debug bool
}

// ClientFactory builds a full platform client for a session. The dispatch
// engine only needs the delivery subset; handlers here also list guilds.
type ClientFactory func(discord.Session) *discord.Client

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	dispatch *dispatch.Service
	clients  ClientFactory
	sched    *schedule.Service // nil when scheduling is disabled
	ledger   *wallet.Ledger    // nil when credit gating is off

	defaultToken string

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, disp *dispatch.Service, clients ClientFactory, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		log:      log.With(logx.String("svc", "httpapi")),
		dispatch: disp,
		clients:  clients,
	}
}

// SetScheduler wires the optional schedule service.
func (s *Server) SetScheduler(sched *schedule.Service) { s.sched = sched }

// SetLedger wires the optional credit ledger.
func (s *Server) SetLedger(l *wallet.Ledger) { s.ledger = l }

// SetDefaultToken sets the fallback credential used when a request carries
// none of its own.
func (s *Server) SetDefaultToken(tok string) { s.defaultToken = tok }

// Router builds the full route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/broadcasts", s.handleSubmitBroadcast)
		r.Get("/broadcasts/{id}", s.handleGetBroadcast)
		r.Get("/guilds", s.handleListGuilds)
		r.Get("/guilds/{guildID}/members", s.handleListMembers)
		r.Post("/test-message", s.handleTestMessage)

		r.Get("/wallet", s.handleWalletBalance)
		r.Post("/wallet/credits", s.handleWalletCredit)

		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Delete("/schedules/{id}", s.handleDeleteSchedule)
	})

	if s.cfg.Debug {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	timeout := s.cfg.ShutdownTimeout
	s.mu.Unlock()
	if srv == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown not clean", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http server stopped")
}

// Addr reports the bound listen address, empty when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// sessionFrom extracts the platform credential: Authorization header first
// (with or without the "Bot " prefix), then the request-body token, then the
// configured default.
func (s *Server) sessionFrom(r *http.Request, bodyToken string) (discord.Session, error) {
	if ah := strings.TrimSpace(r.Header.Get("Authorization")); ah != "" {
		tok := strings.TrimSpace(strings.TrimPrefix(ah, "Bot "))
		if tok != "" {
			return discord.Session{Token: tok}, nil
		}
	}
	if tok := strings.TrimSpace(bodyToken); tok != "" {
		return discord.Session{Token: tok}, nil
	}
	if s.defaultToken != "" {
		return discord.Session{Token: s.defaultToken}, nil
	}
	return discord.Session{}, errMissingCredential
}

var errMissingCredential = errors.New("missing credential")

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMissingCredential), discord.IsUnauthorized(err):
		s.respond(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case dispatch.IsValidation(err):
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrInsufficientCredits):
		s.respond(w, http.StatusPaymentRequired, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrDisabled), errors.Is(err, schedule.ErrDisabled), errors.Is(err, dispatch.ErrNotRunning):
		s.respond(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		if ae, ok := discord.AsAPIError(err); ok {
			switch ae.Kind {
			case discord.KindForbidden:
				s.respond(w, http.StatusForbidden, errorBody{Error: ae.Error()})
			case discord.KindNotFound:
				s.respond(w, http.StatusNotFound, errorBody{Error: ae.Error()})
			case discord.KindRateLimited:
				s.respond(w, http.StatusTooManyRequests, errorBody{Error: ae.Error()})
			default:
				s.respond(w, http.StatusBadGateway, errorBody{Error: ae.Error()})
			}
			return
		}
		s.respond(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return &dispatch.ValidationError{Field: "body", Msg: "invalid JSON: " + err.Error()}
	}
	return nil
}
