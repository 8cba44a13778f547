package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/repo-scout/internal/admission"
	"github.com/sells-group/repo-scout/internal/config"
	"github.com/sells-group/repo-scout/internal/events"
	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/pipeline"
	"github.com/sells-group/repo-scout/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		broker := events.NewBroker()
		env, err := initPipeline(ctx, broker)
		if err != nil {
			return err
		}
		defer env.Close()

		s := &server{
			store:      env.Store,
			controller: env.Controller,
			broker:     broker,
			limiter:    admission.NewLimiter(cfg.Admission.RPS, cfg.Admission.Burst),
			eventsCfg:  cfg.Events,
		}
		if cfg.Admission.Durable {
			s.durable = admission.NewRegistry(env.Store, admission.ActorConfig{
				Capacity:       cfg.Admission.Capacity,
				RefillAmount:   cfg.Admission.RefillAmount,
				RefillInterval: time.Duration(cfg.Admission.RefillIntervalSecs) * time.Second,
			})
			defer s.durable.Close()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: s.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// server holds the HTTP handler dependencies.
type server struct {
	store      store.Store
	controller *pipeline.Controller
	broker     *events.Broker
	limiter    *admission.Limiter
	durable    *admission.Registry // nil unless durable admission is enabled
	eventsCfg  config.EventsConfig
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Client-ID"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		clientID = host
	}

	if retryAfter, err := s.admit(r.Context(), clientID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "admission check failed")
		return
	} else if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"code":         "rate_limited",
			"retryAfterMs": retryAfter.Milliseconds(),
		})
		return
	}

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	outcome, err := s.controller.Run(r.Context(), req)
	if err != nil {
		code := pipeline.Code(err)
		zap.L().Error("search request failed",
			zap.String("code", code),
			zap.Error(err),
		)
		writeError(w, statusForCode(code), code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// admit applies whichever governor is configured. Zero duration means
// the request proceeds.
func (s *server) admit(ctx context.Context, clientID string) (time.Duration, error) {
	if s.durable != nil {
		return s.durable.Take(ctx, clientID)
	}
	if err := s.limiter.Allow(clientID); err != nil {
		var rl *admission.ErrRateLimited
		if errors.As(err, &rl) {
			return rl.RetryAfter, nil
		}
		return 0, err
	}
	return 0, nil
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	filter.IncludeDeleted = r.URL.Query().Get("deleted") == "true"

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "list sessions failed")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadSession(w, r); !ok {
		return
	}
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "delete session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancel acknowledges a cancel request. In-flight rounds run to
// completion; disconnecting the triggering request is what actually
// aborts provider calls.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadSession(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.broker.Subscribe(session.ID)
	defer cancel()

	var writeMu sync.Mutex
	send := func(kind string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			zap.L().Warn("events: marshal failed", zap.String("kind", kind), zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
		flusher.Flush()
	}

	itemInterval := time.Duration(s.eventsCfg.ItemIntervalMs) * time.Millisecond
	itemCo := events.NewCoalescer(s.eventsCfg.ItemBatchSize, itemInterval, func(batch []model.CandidateItem) {
		send("github_batch", events.RepoBatch{Count: len(batch), Items: batch})
	})
	// Judge snapshots are not batched; each one replaces the previous.
	judgeCo := events.NewCoalescer(1, 0, func(batch []events.JudgeUpdate) {
		send("judge_update", batch[len(batch)-1])
	})

	for {
		select {
		case <-r.Context().Done():
			itemCo.Flush()
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			switch e := ev.(type) {
			case events.RepoBatch:
				for _, item := range e.Items {
					itemCo.Add(item)
				}
			case events.JudgeUpdate:
				itemCo.Flush()
				judgeCo.Add(e)
			case events.Finalized:
				itemCo.Flush()
				send(ev.Kind(), ev)
			case events.Error:
				itemCo.Flush()
				send(ev.Kind(), ev)
			default:
				send(ev.Kind(), ev)
			}
		}
	}
}

// loadSession resolves the sessionID route param, writing the error
// response itself when the session cannot be served.
func (s *server) loadSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "load session failed")
		return nil, false
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+sessionID)
		return nil, false
	}
	return session, true
}

func statusForCode(code string) int {
	switch code {
	case "validation_error":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "retrieval_error", "judge_schema_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
