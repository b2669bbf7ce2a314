// Package server exposes the archive over HTTP: the dedup log's public
// rows, per-dump content (raw or zstd-compressed), a websocket feed of
// new commits, the metrics registry, and an authenticated PUT endpoint
// so one gitar instance can forward dumps to another.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tangled.org/rknarc.net/gitar/internal/archive"
	"tangled.org/rknarc.net/gitar/internal/dedup"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// Archive is the slice of the engine the server reads and writes.
type Archive interface {
	Log() *dedup.Log
	Store() *gitstore.Store
	Misordered() int
	StoreSnapshot(ctx context.Context, snap *types.Snapshot) (*archive.Result, error)
}

// Config configures the server.
type Config struct {
	Addr string

	// UploadToken enables PUT /dump when non-empty; requests must carry
	// it as a bearer token.
	UploadToken string

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler

	Version string
}

// Server serves archive data over HTTP.
type Server struct {
	archive    Archive
	config     *Config
	logger     types.Logger
	startTime  time.Time
	httpServer *http.Server
	notify     *notifyHub
}

// New creates the HTTP server.
func New(a Archive, config *Config, logger types.Logger) *Server {
	if config.Version == "" {
		config.Version = "dev"
	}
	s := &Server{
		archive:   a,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
		notify:    newNotifyHub(logger),
	}
	s.httpServer = &http.Server{
		Addr:    config.Addr,
		Handler: s.createHandler(),
	}
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.notify.close()
	return s.httpServer.Shutdown(ctx)
}

// NotifyCommit pushes a new-commit event to websocket subscribers.
// Registered as the engine's notifier, so it fires for every store
// regardless of which path produced it.
func (s *Server) NotifyCommit(commitHash string, signingTime int64) {
	s.notify.broadcast(commitEvent{Commit: commitHash, SigningTime: signingTime})
}

// Handler returns the routed handler (exported for tests).
func (s *Server) Handler() http.Handler {
	return s.createHandler()
}

func (s *Server) createHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /dumps", s.handleDumps())
	mux.HandleFunc("GET /max-update-time", s.handleMaxUpdateTime())
	mux.HandleFunc("GET /has/{sha256}", s.handleHas())
	mux.HandleFunc("GET /dump/{name}", s.handleDump())
	mux.HandleFunc("GET /status", s.handleStatus())
	mux.HandleFunc("GET /ws", s.handleWebSocket())

	if s.config.UploadToken != "" {
		mux.HandleFunc("PUT /dump", s.handleUpload())
	}
	if s.config.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.config.MetricsHandler)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			sendJSON(w, 404, map[string]string{"error": "not found"})
			return
		}
		s.handleRoot()(w, r)
	})

	return corsMiddleware(mux)
}

// cleanSHA256 validates a lowercase hex sha256 path element, with an
// optional ".zst" suffix stripped by the caller.
func cleanSHA256(raw string) (string, bool) {
	raw = strings.ToLower(raw)
	if len(raw) != 64 {
		return "", false
	}
	for _, c := range raw {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return raw, true
}
