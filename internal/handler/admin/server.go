package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/event-stream-service/internal/domain/model"
)

// StatsSource yields the /stats document.
type StatsSource interface {
	Stats(ctx context.Context) model.HubStats
}

type health struct {
	Status   string        `json:"status"`
	Channels int           `json:"channels"`
	Clients  int64         `json:"clients"`
	Uptime   time.Duration `json:"uptime_ns"`
}

// NewRouter mounts the admin endpoints. metrics may be nil.
func NewRouter(stats StatsSource, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, stats.Stats(r.Context()))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		g := stats.Stats(r.Context()).Global
		writeJSON(w, health{Status: "ok", Channels: g.Channels, Clients: g.Clients, Uptime: g.Uptime})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
	ln     net.Listener
}

func NewServer(addr string, h http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ADMIN_SERVER_FAILED", "err", err)
		}
	}()
	s.logger.Info("ADMIN_SERVER_STARTED", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
