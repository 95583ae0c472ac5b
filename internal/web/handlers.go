package web

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/hw/button"
	"github.com/cjeanneret/doorbell/internal/logic/session"
)

// Remote queues an action for the control loop. It returns false when
// the request was refused (queue full).
type Remote interface {
	Request(a button.Action) bool
}

// StatusSource reports the session status.
type StatusSource interface {
	Status() session.Status
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Frames      *FrameHub
	Remote      Remote
	Session     StatusSource
	Metrics     http.Handler
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// A nil remote makes the action routes answer 503.
func NewHandlers(broadcaster *StatusBroadcaster, frames *FrameHub, remote Remote, sess StatusSource, metrics http.Handler, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Frames:      frames,
		Remote:      remote,
		Session:     sess,
		Metrics:     metrics,
		staticFS:    staticFS,
	}
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleAction returns the handler of POST /next, /prev, /snapshot and
// /reload. The action is queued, the loop picks it up on its next poll.
func (h *Handlers) HandleAction(a button.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Remote == nil {
			http.Error(w, "controls not available", http.StatusServiceUnavailable)
			return
		}
		if !h.Remote.Request(a) {
			http.Error(w, "too many pending actions", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "action": a.String()})
	}
}

// HandleStatus returns the session status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Session == nil {
		http.Error(w, "session not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Session.Status())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()
	debug.Verbose("Status stream client connected (%d total)", h.Broadcaster.Clients())

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleVideoFeed streams the rendered panel frames as MJPEG.
func (h *Handlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if h.Frames == nil {
		http.Error(w, "video relay not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsub := h.Frames.Subscribe()
	defer unsub()

	for {
		select {
		case frame := <-ch:
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			w.Write([]byte("\r\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleFrame returns the last relayed frame as a single JPEG.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	var frame []byte
	if h.Frames != nil {
		frame = h.Frames.Latest()
	}
	if frame == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}
