package session

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/doorbell/internal/clock"
	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/cjeanneret/doorbell/internal/hw/button"
	"github.com/cjeanneret/doorbell/internal/hw/camera"
	"github.com/cjeanneret/doorbell/internal/logic/feeds"
	"github.com/cjeanneret/doorbell/internal/snapshot"
	"github.com/google/uuid"
)

// scriptInput returns one scripted action per poll, then None. The poll
// numbered stopAt cancels the run.
type scriptInput struct {
	actions map[int]button.Action
	polls   int
	stopAt  int
	cancel  context.CancelFunc
	onPoll  func(n int)
}

func (in *scriptInput) Poll() button.Action {
	n := in.polls
	in.polls++
	if in.onPoll != nil {
		in.onPoll(n)
	}
	if n == in.stopAt && in.cancel != nil {
		in.cancel()
	}
	return in.actions[n]
}

// feedBehaviour scripts a fake feed: how many opens fail first and how
// many reads each stream serves before failing (-1 = unlimited).
type feedBehaviour struct {
	failOpens int
	reads     int
}

type fakeOpener struct {
	mu      sync.Mutex
	feeds   map[string]*feedBehaviour
	opened  []string
	live    int
	maxLive int
	onOpen  func(url string)
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{feeds: make(map[string]*feedBehaviour)}
}

func (o *fakeOpener) Open(ctx context.Context, url string) (camera.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.opened = append(o.opened, url)
	if o.onOpen != nil {
		o.onOpen(url)
	}
	b := o.feeds[url]
	if b == nil {
		b = &feedBehaviour{reads: -1}
		o.feeds[url] = b
	}
	if url == "" {
		return nil, camera.ErrEmptyURL
	}
	if b.failOpens > 0 {
		b.failOpens--
		return nil, errors.New("connection refused")
	}
	o.live++
	if o.live > o.maxLive {
		o.maxLive = o.live
	}
	return &fakeStream{owner: o, url: url, left: b.reads}, nil
}

func (o *fakeOpener) opens() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

type fakeStream struct {
	owner  *fakeOpener
	url    string
	left   int
	closed bool
}

func (s *fakeStream) Read() (*image.RGBA, error) {
	if s.closed {
		return nil, camera.ErrClosed
	}
	if s.left == 0 {
		return nil, camera.ErrNoFrame
	}
	if s.left > 0 {
		s.left--
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 3)), nil
}

func (s *fakeStream) Close() error {
	if s.closed {
		return errors.New("double close")
	}
	s.closed = true
	s.owner.mu.Lock()
	s.owner.live--
	s.owner.mu.Unlock()
	return nil
}

type call struct {
	kind    string // "status", "switching", "frame"
	text    string
	feed    string
	overlay string
}

type fakeDisplay struct {
	calls []call
}

func (d *fakeDisplay) RenderStatus(text, feedName string) error {
	d.calls = append(d.calls, call{kind: "status", text: text, feed: feedName})
	return nil
}

func (d *fakeDisplay) RenderSwitching() error {
	d.calls = append(d.calls, call{kind: "switching"})
	return nil
}

func (d *fakeDisplay) RenderFrame(_ image.Image, feedName, overlay string) error {
	d.calls = append(d.calls, call{kind: "frame", feed: feedName, overlay: overlay})
	return nil
}

func (d *fakeDisplay) count(kind string) int {
	n := 0
	for _, c := range d.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type fakeSnaps struct {
	feeds []string
}

func (s *fakeSnaps) Dispatch(frame image.Image, feedName string) uuid.UUID {
	s.feeds = append(s.feeds, feedName)
	return uuid.New()
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Publish(ev events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.evs {
		if sc, ok := ev.(events.StateChanged); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

type harness struct {
	ctrl    *Controller
	input   *scriptInput
	opener  *fakeOpener
	display *fakeDisplay
	snaps   *fakeSnaps
	clock   *clock.Manual
	events  *eventLog
	ctx     context.Context
}

var twoFeeds = []feeds.Feed{
	{Name: "A", URL: "rtsp://a"},
	{Name: "B", URL: "rtsp://b"},
}

func newHarness(t *testing.T, list []feeds.Feed, cfg Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		input:   &scriptInput{actions: map[int]button.Action{}, stopAt: -1, cancel: cancel},
		opener:  newFakeOpener(),
		display: &fakeDisplay{},
		snaps:   &fakeSnaps{},
		clock:   clock.NewManual(time.Unix(1_700_000_000, 0)),
		events:  &eventLog{},
		ctx:     ctx,
	}
	h.ctrl = New(cfg, Deps{
		Feeds:     feeds.NewRegistryFrom(list),
		Input:     h.input,
		Opener:    h.opener,
		Display:   h.display,
		Snapshots: h.snaps,
		Clock:     h.clock,
		Events:    h.events,
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(h.ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_TwoFeedNextPrev(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	// Each streaming iteration polls once.
	h.input.actions[2] = button.Next
	h.input.actions[4] = button.Next
	h.input.actions[6] = button.Prev
	h.input.stopAt = 8
	h.run(t)

	want := []string{"rtsp://a", "rtsp://b", "rtsp://a", "rtsp://b"}
	if got := h.opener.opens(); !equal(got, want) {
		t.Errorf("opens = %v, want %v", got, want)
	}
	if h.display.count("switching") != 3 {
		t.Errorf("Switching... rendered %d times, want 3", h.display.count("switching"))
	}
}

func TestRun_SingleFeedNextReopensSameFeed(t *testing.T) {
	h := newHarness(t, []feeds.Feed{{Name: "Only", URL: "rtsp://only"}}, Config{})
	h.input.actions[1] = button.Next
	h.input.actions[3] = button.Prev
	h.input.stopAt = 5
	h.run(t)

	want := []string{"rtsp://only", "rtsp://only", "rtsp://only"}
	if got := h.opener.opens(); !equal(got, want) {
		t.Errorf("opens = %v, want %v", got, want)
	}
}

func TestRun_LoadingShownBeforeOpen(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.input.stopAt = 0
	h.run(t)

	if len(h.display.calls) == 0 {
		t.Fatal("nothing rendered")
	}
	first := h.display.calls[0]
	if first.kind != "status" || first.text != "Loading..." || first.feed != "A" {
		t.Errorf("first render = %+v, want Loading... for A", first)
	}
}

func TestRun_RetryAfterWaitWithoutInput(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{RetryWait: 2 * time.Second, PollInterval: 100 * time.Millisecond})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{failOpens: 1, reads: -1}
	start := h.clock.Now()

	var reopenedAt time.Time
	h.opener.onOpen = func(url string) {
		if len(h.opener.opened) == 2 {
			reopenedAt = h.clock.Now()
		}
	}
	// 20 polls cover the 2s wait; stop once streaming.
	h.input.stopAt = 22
	h.run(t)

	opens := h.opener.opens()
	if len(opens) < 2 || opens[0] != "rtsp://a" || opens[1] != "rtsp://a" {
		t.Fatalf("opens = %v, want the same feed retried", opens)
	}
	if waited := reopenedAt.Sub(start); waited < 2*time.Second {
		t.Errorf("retried after %v, want >= 2s", waited)
	}
	if waited := reopenedAt.Sub(start); waited > 2*time.Second+100*time.Millisecond {
		t.Errorf("retried after %v, want about 2s", waited)
	}
}

func TestRun_SwitchDuringRetryWait(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{RetryWait: 2 * time.Second, PollInterval: 100 * time.Millisecond})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{failOpens: 100, reads: -1}

	var switchedAt time.Time
	start := h.clock.Now()
	h.opener.onOpen = func(url string) {
		if url == "rtsp://b" && switchedAt.IsZero() {
			switchedAt = h.clock.Now()
		}
	}
	h.input.actions[3] = button.Next
	h.input.stopAt = 6
	h.run(t)

	opens := h.opener.opens()
	if len(opens) < 2 || opens[0] != "rtsp://a" || opens[1] != "rtsp://b" {
		t.Fatalf("opens = %v, want A then B", opens)
	}
	if switchedAt.Sub(start) >= 2*time.Second {
		t.Errorf("switch waited for the retry deadline (%v)", switchedAt.Sub(start))
	}
}

func TestRun_SnapshotIgnoredDuringRetryWait(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{failOpens: 100, reads: -1}
	h.input.actions[0] = button.Snapshot
	h.input.stopAt = 3
	h.run(t)

	if len(h.snaps.feeds) != 0 {
		t.Errorf("snapshot dispatched without a stream: %v", h.snaps.feeds)
	}
}

func TestRun_AtMostOneOpenHandle(t *testing.T) {
	h := newHarness(t, []feeds.Feed{
		{Name: "A", URL: "rtsp://a"},
		{Name: "B", URL: "rtsp://b"},
		{Name: "C", URL: "rtsp://c"},
	}, Config{})
	h.opener.feeds["rtsp://b"] = &feedBehaviour{reads: 1}
	for i := 1; i < 60; i += 3 {
		h.input.actions[i] = button.Next
	}
	h.input.actions[40] = button.Prev
	h.input.stopAt = 70
	h.run(t)

	if h.opener.maxLive > 1 {
		t.Errorf("%d capture handles were open at once", h.opener.maxLive)
	}
	if h.opener.live != 0 {
		t.Errorf("%d handles still open after Run returned", h.opener.live)
	}
}

func TestRun_ReadFailuresReconnectSameFeed(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{reads: 0}
	h.opener.onOpen = func(string) {
		if len(h.opener.opened) == 4 {
			h.input.cancel()
		}
	}
	h.run(t)

	want := []string{"rtsp://a", "rtsp://a", "rtsp://a", "rtsp://a"}
	if got := h.opener.opens(); !equal(got, want) {
		t.Errorf("opens = %v, want %v", got, want)
	}
	if r := h.ctrl.Status().Reconnects; r != 3 {
		t.Errorf("reconnects = %d, want 3", r)
	}
	if h.ctrl.feeds.Index() != 0 {
		t.Error("reconnect must not move the cursor")
	}
}

func TestRun_ReadFailureLimit(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{ReadFailureLimit: 3})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{reads: 0}
	h.opener.onOpen = func(string) {
		if len(h.opener.opened) == 2 {
			h.input.cancel()
		}
	}
	h.run(t)

	// Poll 0 is the first streaming iteration; three failed reads trigger
	// one reconnect.
	if h.input.polls != 3 {
		t.Errorf("reconnected after %d reads, want 3", h.input.polls)
	}
}

func TestRun_SnapshotDispatchAndFeedback(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{SnapFeedback: time.Second})
	h.input.actions[1] = button.Snapshot
	h.input.onPoll = func(n int) {
		if n >= 2 {
			h.clock.Advance(400 * time.Millisecond)
		}
	}
	h.input.stopAt = 6
	h.run(t)

	if len(h.snaps.feeds) != 1 || h.snaps.feeds[0] != "A" {
		t.Fatalf("snapshots = %v, want one for A", h.snaps.feeds)
	}
	var overlays []string
	for _, c := range h.display.calls {
		if c.kind == "frame" {
			overlays = append(overlays, c.overlay)
		}
	}
	// frames at t=0, t=0 (snap), +0.4s, +0.8s, +1.2s, +1.6s, +2.0s
	want := []string{"", "SNAP!", "SNAP!", "SNAP!", "", "", ""}
	if !equal(overlays, want) {
		t.Errorf("overlays = %q, want %q", overlays, want)
	}
	if h.ctrl.Status().Snapshots != 1 {
		t.Errorf("status snapshots = %d", h.ctrl.Status().Snapshots)
	}
}

type failingUploader struct{}

func (failingUploader) Upload(ctx context.Context, path, caption string) error {
	return errors.New("network unreachable")
}

func TestRun_FailedUploadLeavesSessionStreaming(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	d := snapshot.NewDispatcher(failingUploader{}, h.events, snapshot.Options{TempDir: t.TempDir()})
	h.ctrl.snaps = d
	h.input.actions[1] = button.Snapshot

	var framesBefore int
	var states []string
	h.input.onPoll = func(n int) {
		switch {
		case n == 3:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := d.Wait(ctx); err != nil {
				t.Errorf("upload did not finish: %v", err)
			}
			framesBefore = h.display.count("frame")
		case n > 3:
			states = append(states, h.ctrl.Status().State)
		}
	}
	h.input.stopAt = 8
	h.run(t)

	var failed []events.SnapshotFinished
	h.events.mu.Lock()
	for _, ev := range h.events.evs {
		if sf, ok := ev.(events.SnapshotFinished); ok && sf.Error != "" {
			failed = append(failed, sf)
		}
	}
	h.events.mu.Unlock()
	if len(failed) != 1 || failed[0].Feed != "A" {
		t.Fatalf("failed uploads = %+v, want one for A", failed)
	}
	for i, st := range states {
		if st != Streaming.String() {
			t.Errorf("state at poll %d = %s, want %s", i+4, st, Streaming)
		}
	}
	if got := h.display.count("frame") - framesBefore; got < 4 {
		t.Errorf("%d frames rendered after the failed upload, want at least 4", got)
	}
	if len(h.opener.opens()) != 1 {
		t.Errorf("opens = %v, the stream should not be reopened", h.opener.opens())
	}
}

func TestRun_SnapshotsDisabled(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.ctrl.snaps = nil
	h.input.actions[1] = button.Snapshot
	h.input.stopAt = 3
	h.run(t)
	if h.ctrl.Status().Snapshots != 0 {
		t.Error("snapshot counted while disabled")
	}
}

func TestRun_ShutdownDuringRetryWait(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{RetryWait: 2 * time.Second, PollInterval: 100 * time.Millisecond})
	h.opener.feeds["rtsp://a"] = &feedBehaviour{failOpens: 1, reads: -1}
	h.input.stopAt = 5
	h.run(t)

	if got := h.opener.opens(); len(got) != 1 {
		t.Errorf("opens = %v, want only the failed attempt", got)
	}
	if h.ctrl.State() != Stopped {
		t.Errorf("state = %s, want STOPPED", h.ctrl.State())
	}
	if h.clock.Now().Sub(time.Unix(1_700_000_000, 0)) >= 2*time.Second {
		t.Error("loop waited for the retry deadline after cancellation")
	}
}

func TestRun_ShutdownWhileStreamingClosesStream(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.input.stopAt = 3
	h.run(t)
	if h.opener.live != 0 {
		t.Errorf("%d streams left open", h.opener.live)
	}
	states := h.events.states()
	if len(states) == 0 || states[len(states)-1] != "STOPPED" {
		t.Errorf("last state = %v, want STOPPED", states)
	}
}

func TestRun_StateSequence(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	h.input.actions[1] = button.Next
	h.input.stopAt = 2
	h.run(t)

	want := []string{"CONNECTING", "STREAMING", "SWITCHING", "CONNECTING", "STREAMING", "STOPPED"}
	if got := h.events.states(); !equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestRun_ReloadPicksUpNewList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.json")
	if err := os.WriteFile(path, []byte(`[{"name":"A","url":"rtsp://a"}]`), 0644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, nil, Config{})
	h.ctrl.feeds = feeds.NewRegistry(path)
	h.input.onPoll = func(n int) {
		if n == 1 {
			os.WriteFile(path, []byte(`[{"name":"X","url":"rtsp://x"},{"name":"Y","url":"rtsp://y"}]`), 0644)
		}
	}
	h.input.actions[1] = button.Reload
	h.input.stopAt = 3
	h.run(t)

	want := []string{"rtsp://a", "rtsp://x"}
	if got := h.opener.opens(); !equal(got, want) {
		t.Errorf("opens = %v, want %v", got, want)
	}
	st := h.ctrl.Status()
	if st.Count != 2 || st.Feed != "X" {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_PlaceholderNeverConnects(t *testing.T) {
	h := newHarness(t, nil, Config{RetryWait: 200 * time.Millisecond, PollInterval: 100 * time.Millisecond})
	h.input.stopAt = 7
	h.run(t)

	for _, u := range h.opener.opens() {
		if u != "" {
			t.Errorf("unexpected open of %q", u)
		}
	}
	if h.ctrl.Status().Feed != feeds.PlaceholderName {
		t.Errorf("status feed = %q", h.ctrl.Status().Feed)
	}
}

func TestRun_HeartbeatPerIteration(t *testing.T) {
	h := newHarness(t, twoFeeds, Config{})
	beats := 0
	h.ctrl.Heartbeat = func() { beats++ }
	h.input.stopAt = 4
	h.run(t)
	if beats < 5 {
		t.Errorf("heartbeat called %d times, want one per iteration", beats)
	}
}

func TestStateString(t *testing.T) {
	for s := Idle; s <= Stopped; s++ {
		if s.String() == "UNKNOWN" {
			t.Errorf("state %d has no name", s)
		}
	}
	if State(99).String() != "UNKNOWN" {
		t.Error("out of range state should be UNKNOWN")
	}
}
