package web

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/hw/button"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// Options are the collaborators of the web surface. Any may be nil; the
// matching routes then answer 503.
type Options struct {
	Broadcaster *StatusBroadcaster
	Frames      *FrameHub
	Remote      Remote
	Session     StatusSource
	Metrics     http.Handler
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, opts Options) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: sub static fs: %w", err)
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewStatusBroadcaster()
	}
	handlers := NewHandlers(opts.Broadcaster, opts.Frames, opts.Remote, opts.Session, opts.Metrics, subFS)
	return &Server{addr: addr, handlers: handlers}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /next", s.handlers.HandleAction(button.Next))
	mux.HandleFunc("POST /prev", s.handlers.HandleAction(button.Prev))
	mux.HandleFunc("POST /snapshot", s.handlers.HandleAction(button.Snapshot))
	mux.HandleFunc("POST /reload", s.handlers.HandleAction(button.Reload))
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /video_feed", s.handlers.HandleVideoFeed)
	mux.HandleFunc("GET /frame.jpg", s.handlers.HandleFrame)
	if s.handlers.Metrics != nil {
		mux.Handle("GET /metrics", s.handlers.Metrics)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
