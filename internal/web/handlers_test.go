package web

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/cjeanneret/doorbell/internal/hw/button"
	"github.com/cjeanneret/doorbell/internal/logic/session"
)

// ---------- fakes ----------

type fakeRemote struct {
	mu     sync.Mutex
	got    []button.Action
	refuse bool
}

func (r *fakeRemote) Request(a button.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.got = append(r.got, a)
	return true
}

type fakeSession struct{ st session.Status }

func (s fakeSession) Status() session.Status { return s.st }

func newTestHandlers(remote Remote) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		NewFrameHub(80),
		remote,
		fakeSession{session.Status{State: "STREAMING", Feed: "Porch", Index: 1, Count: 3}},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("metrics")) }),
		staticFS,
	)
}

// ---------- HandleAction ----------

func TestHandleAction_Queued(t *testing.T) {
	cases := []struct {
		path   string
		action button.Action
	}{
		{"/next", button.Next},
		{"/prev", button.Prev},
		{"/snapshot", button.Snapshot},
		{"/reload", button.Reload},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			remote := &fakeRemote{}
			h := newTestHandlers(remote)
			w := httptest.NewRecorder()
			h.HandleAction(tc.action)(w, httptest.NewRequest(http.MethodPost, tc.path, nil))

			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["status"] != "queued" || resp["action"] != tc.action.String() {
				t.Errorf("response = %v", resp)
			}
			if len(remote.got) != 1 || remote.got[0] != tc.action {
				t.Errorf("requested = %v, want [%s]", remote.got, tc.action)
			}
		})
	}
}

func TestHandleAction_GetMethodNotAllowed(t *testing.T) {
	remote := &fakeRemote{}
	h := newTestHandlers(remote)
	w := httptest.NewRecorder()
	h.HandleAction(button.Next)(w, httptest.NewRequest(http.MethodGet, "/next", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if len(remote.got) != 0 {
		t.Error("GET must not queue an action")
	}
}

func TestHandleAction_QueueFull(t *testing.T) {
	h := newTestHandlers(&fakeRemote{refuse: true})
	w := httptest.NewRecorder()
	h.HandleAction(button.Snapshot)(w, httptest.NewRequest(http.MethodPost, "/snapshot", nil))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestHandleAction_NoRemote(t *testing.T) {
	h := newTestHandlers(nil)
	w := httptest.NewRecorder()
	h.HandleAction(button.Next)(w, httptest.NewRequest(http.MethodPost, "/next", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(&fakeRemote{})
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st session.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "STREAMING" || st.Feed != "Porch" || st.Index != 1 || st.Count != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleStatus_NoSession(t *testing.T) {
	h := newTestHandlers(nil)
	h.Session = nil
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(nil)
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, nil, nil, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- HandleFrame ----------

func TestHandleFrame_NoFrameYet(t *testing.T) {
	h := newTestHandlers(nil)
	w := httptest.NewRecorder()
	h.HandleFrame(w, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleFrame_Latest(t *testing.T) {
	h := newTestHandlers(nil)
	_, unsub := h.Frames.Subscribe()
	defer unsub()
	h.Frames.Publish(image.NewRGBA(image.Rect(0, 0, 8, 8)))

	w := httptest.NewRecorder()
	h.HandleFrame(w, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	cfg, err := jpeg.DecodeConfig(w.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 8 || cfg.Height != 8 {
		t.Errorf("size = %dx%d", cfg.Width, cfg.Height)
	}
}

// ---------- streaming routes ----------

func newTestServer(t *testing.T, remote Remote) (*httptest.Server, *Handlers) {
	t.Helper()
	s, err := NewServer(":0", Options{
		Frames:  NewFrameHub(80),
		Remote:  remote,
		Session: fakeSession{session.Status{State: "IDLE"}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("doorbell_up 1\n")) }),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Mux())
	t.Cleanup(ts.Close)
	return ts, s.handlers
}

func TestVideoFeed_StreamsJPEGParts(t *testing.T) {
	ts, h := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		frame := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				h.Frames.Publish(frame)
			}
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video_feed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}
	mr := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part %d Content-Type = %q", i, ct)
		}
		cfg, err := jpeg.DecodeConfig(part)
		if err != nil {
			t.Fatalf("part %d decode: %v", i, err)
		}
		if cfg.Width != 16 {
			t.Errorf("part %d width = %d", i, cfg.Width)
		}
	}
}

func TestStatusStream_ForwardsBusEvents(t *testing.T) {
	ts, h := newTestServer(t, nil)
	bus := events.New()
	detach := h.Broadcaster.Attach(bus)
	defer detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status/stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || sc.Text() != ": connected" {
		t.Fatalf("first line = %q", sc.Text())
	}

	go func() {
		for h.Broadcaster.Clients() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		bus.Publish(events.StateChanged{From: "CONNECTING", To: "STREAMING", Feed: "Porch"})
	}()

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt StatusEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		if evt.Kind != "state" {
			t.Errorf("kind = %q, want state", evt.Kind)
		}
		data, _ := evt.Data.(map[string]any)
		if data["to"] != "STREAMING" || data["feed"] != "Porch" {
			t.Errorf("data = %v", evt.Data)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func TestMux_Routes(t *testing.T) {
	remote := &fakeRemote{}
	ts, _ := newTestServer(t, remote)

	resp, err := http.Post(ts.URL+"/next", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /next = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/next")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /next = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}

	if len(remote.got) != 1 || remote.got[0] != button.Next {
		t.Errorf("requested = %v", remote.got)
	}
}

func TestServerRun_ShutsDownOnCancel(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
