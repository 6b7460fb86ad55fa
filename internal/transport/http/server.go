// Package http provides the HTTP transport layer for ChronoQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /topics
//	GET    /topics
//	DELETE /topics/{topic}
//	POST   /topics/{topic}/timers
//	GET    /timers/{id}
//	DELETE /timers/{id}
//	POST   /timers/{id}/reset
//	GET    /topics/{topic}/ws
//	POST   /topics/{topic}/subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /history
//	GET    /api/stats
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/chronoq/internal/config"
	"github.com/snehjoshi/chronoq/internal/consumer"
	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/history"
	"github.com/snehjoshi/chronoq/internal/metrics"
	"github.com/snehjoshi/chronoq/internal/topic"
	transportws "github.com/snehjoshi/chronoq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with ChronoQ route wiring.
type Server struct {
	inner *http.Server
}

// Deps bundles everything the HTTP layer serves. History may be nil when the
// audit log is disabled; Metrics may be nil when the endpoint is split onto
// its own port.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Consumer   *consumer.Manager
	Topics     *topic.Registry
	History    *history.Store
	Metrics    *metrics.Registry
	NodeID     string
}

// New builds a Server from its dependencies.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	h := &Handler{
		disp:     d.Dispatcher,
		consumer: d.Consumer,
		topics:   d.Topics,
		history:  d.History,
		nodeID:   d.NodeID,
		maxBody:  int64(cfg.Engine.MaxBodySizeKB) * 1024,
	}
	ws := &transportws.Handler{Dispatcher: d.Dispatcher}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Topic management
	mux.HandleFunc("POST /topics", h.createTopic)
	mux.HandleFunc("GET /topics", h.listTopics)
	mux.HandleFunc("DELETE /topics/{topic}", h.deleteTopic)

	// Timers
	mux.HandleFunc("POST /topics/{topic}/timers", h.createTimer)
	mux.HandleFunc("GET /timers/{id}", h.getTimer)
	mux.HandleFunc("DELETE /timers/{id}", h.cancelTimer)
	mux.HandleFunc("POST /timers/{id}/reset", h.resetTimer)

	// WebSocket push
	mux.Handle("GET /topics/{topic}/ws", ws)

	// Webhook subscriptions
	mux.HandleFunc("POST /topics/{topic}/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Fired-timer audit log
	mux.HandleFunc("GET /history", h.getHistory)

	// Stats
	mux.HandleFunc("GET /api/stats", h.statsAPI)

	// Metrics (Prometheus text format)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Limits.RPS), cfg.Limits.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler exposes the fully wired http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe serves on addr (e.g. ":8080") until the server stops or
// fails.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown drains the server, waiting for in-flight requests to finish
// within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
