package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/events"
)

// StatusEvent is one message on the status stream.
type StatusEvent struct {
	Time  string `json:"t"`
	Kind  string `json:"k"`             // "log", "state", "switch", "reload", "snapshot"
	Level string `json:"l,omitempty"`   // log lines only
	Msg   string `json:"msg,omitempty"` // log lines only
	Data  any    `json:"data,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send marshals evt and hands it to every client. Slow clients miss
// messages rather than block the sender.
func (b *StatusBroadcaster) Send(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = b.now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log line with the given level.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Send(StatusEvent{Kind: "log", Level: level, Msg: msg})
}

// Attach forwards session events from bus to the clients. Rendered
// frames are not forwarded. The returned function unsubscribes.
func (b *StatusBroadcaster) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.StateChanged) {
			b.Send(StatusEvent{Kind: "state", Data: e})
		}),
		bus.Subscribe(func(e events.FeedSwitched) {
			b.Send(StatusEvent{Kind: "switch", Data: e})
		}),
		bus.Subscribe(func(e events.FeedsReloaded) {
			b.Send(StatusEvent{Kind: "reload", Data: e})
		}),
		bus.Subscribe(func(e events.SnapshotFinished) {
			b.Send(StatusEvent{Kind: "snapshot", Data: e})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	level := "info"
	switch {
	case strings.Contains(msg, "[ERROR]"):
		level = "error"
	case strings.Contains(msg, "[WARN]"):
		level = "warn"
	}
	w.b.Broadcast(level, msg)
	return len(p), nil
}
