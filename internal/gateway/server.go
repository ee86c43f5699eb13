// Package gateway exposes the REST and SSE surface: attach/detach, session
// listing and preview, transcript search and health.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
	"github.com/nextlevelbuilder/sessionrelay/internal/sse"
)

// Per-IP rate limits on the read endpoints.
const (
	searchRequestsPerMinute  = 30
	previewRequestsPerMinute = 60
	refreshMinInterval       = 60 * time.Second
)

// AttachRequest is the POST /attach body.
type AttachRequest struct {
	SessionID   string                   `json:"session_id"`
	Path        string                   `json:"path,omitempty"`
	Destination destinations.Destination `json:"destination"`
	ReplayCount int                      `json:"replay_count,omitempty"`
}

// AttachResult reports a successful attach.
type AttachResult struct {
	Attached       bool `json:"attached"`
	ReplayedEvents int  `json:"replayed_events"`
}

// SessionInfo is one row of GET /sessions.
type SessionInfo struct {
	SessionID    string                     `json:"session_id"`
	Path         string                     `json:"path"`
	Destinations []destinations.Destination `json:"destinations"`
	Subscribers  int                        `json:"subscribers"`
}

// Preview is the GET /sessions/{id}/preview response.
type Preview struct {
	SessionID string `json:"session_id"`
	Events    int    `json:"events"`
	Markdown  string `json:"markdown"`
}

// BotHealth reports one configured bot.
type BotHealth struct {
	Configured bool   `json:"configured"`
	Status     string `json:"status,omitempty"`
}

// Health is the GET /health response.
type Health struct {
	Status          string               `json:"status"`
	SessionsWatched int                  `json:"sessions_watched"`
	UptimeSeconds   int64                `json:"uptime_seconds"`
	Bots            map[string]BotHealth `json:"bots"`
	Index           *searchindex.Stats   `json:"index,omitempty"`
}

// Service is the core the HTTP surface drives.
type Service interface {
	Attach(ctx context.Context, req AttachRequest) (AttachResult, error)
	Detach(ctx context.Context, sessionID string, dest destinations.Destination) error
	Sessions() []SessionInfo
	Preview(ctx context.Context, sessionID string, limit int) (Preview, error)
	RefreshIndex(ctx context.Context) error
	Health() Health
}

// Server is the HTTP surface.
type Server struct {
	cfg     *config.Config
	service Service
	index   *searchindex.Index // nil when the index is unavailable
	broker  *sse.Broker

	searchLimiter  *channels.WindowLimiter
	previewLimiter *channels.WindowLimiter
	refreshLimiter *rate.Limiter

	httpServer *http.Server
}

// NewServer creates the HTTP surface. index may be nil; the search endpoints
// then answer 503.
func NewServer(cfg *config.Config, service Service, index *searchindex.Index, broker *sse.Broker) *Server {
	return &Server{
		cfg:            cfg,
		service:        service,
		index:          index,
		broker:         broker,
		searchLimiter:  channels.NewWindowLimiter(searchRequestsPerMinute, time.Minute),
		previewLimiter: channels.NewWindowLimiter(previewRequestsPerMinute, time.Minute),
		refreshLimiter: channels.NewGlobalLimiter(refreshMinInterval),
	}
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /attach", s.handleAttach)
	mux.HandleFunc("POST /detach", s.handleDetach)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/preview", s.handlePreview)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("POST /index/refresh", s.handleIndexRefresh)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTestServer listens on a random local port and returns the address and
// a blocking start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
