// Package session runs the stream session: the single polling loop that
// reads the buttons, keeps one connection to the selected feed alive and
// keeps the panel up to date.
package session

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/clock"
	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/cjeanneret/doorbell/internal/hw/button"
	"github.com/cjeanneret/doorbell/internal/hw/camera"
	"github.com/cjeanneret/doorbell/internal/logic/feeds"
	"github.com/cjeanneret/doorbell/internal/render"
	"github.com/google/uuid"
)

// Input yields at most one debounced action per call.
type Input interface {
	Poll() button.Action
}

// Display is the part of the renderer the loop drives.
type Display interface {
	RenderStatus(text, feedName string) error
	RenderSwitching() error
	RenderFrame(frame image.Image, feedName, overlay string) error
}

// Snapshotter takes a frame off the loop. Dispatch must not block.
type Snapshotter interface {
	Dispatch(frame image.Image, feedName string) uuid.UUID
}

// Config holds the loop timings.
type Config struct {
	RetryWait        time.Duration // wait after a failed connection attempt
	PollInterval     time.Duration // input poll period while waiting
	SnapFeedback     time.Duration // how long "SNAP!" stays on screen
	ReadFailureLimit int           // consecutive failed reads before reconnecting
}

func (c *Config) applyDefaults() {
	if c.RetryWait <= 0 {
		c.RetryWait = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.SnapFeedback <= 0 {
		c.SnapFeedback = time.Second
	}
	if c.ReadFailureLimit <= 0 {
		c.ReadFailureLimit = 1
	}
}

// Deps are the collaborators of the controller. Snapshots, Clock and
// Events are optional.
type Deps struct {
	Feeds     *feeds.Registry
	Input     Input
	Opener    camera.Opener
	Display   Display
	Snapshots Snapshotter
	Clock     clock.Clock
	Events    events.Publisher
}

// Status is a point-in-time view of the session for observers.
type Status struct {
	State      string    `json:"state"`
	Feed       string    `json:"feed"`
	Index      int       `json:"index"`
	Count      int       `json:"count"`
	Reconnects int       `json:"reconnects"`
	Snapshots  int       `json:"snapshots"`
	Since      time.Time `json:"since"`
}

// Controller owns the feed cursor and the capture handle. Everything but
// Status must be called from the goroutine running Run.
type Controller struct {
	cfg     Config
	feeds   *feeds.Registry
	input   Input
	opener  camera.Opener
	display Display
	snaps   Snapshotter
	clock   clock.Clock
	pub     events.Publisher

	// Heartbeat, when set, is called once per loop iteration.
	Heartbeat func()

	state         State
	stream        camera.Stream
	retryDeadline time.Time
	readFailures  int
	snapUntil     time.Time

	mu     sync.RWMutex
	status Status
}

// New builds a controller in the Idle state.
func New(cfg Config, d Deps) *Controller {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = clock.NewReal()
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	c := &Controller{
		cfg:     cfg,
		feeds:   d.Feeds,
		input:   d.Input,
		opener:  d.Opener,
		display: d.Display,
		snaps:   d.Snapshots,
		clock:   d.Clock,
		pub:     d.Events,
		state:   Idle,
	}
	cur := c.feeds.Current()
	c.status = Status{
		State: Idle.String(),
		Feed:  cur.Name,
		Index: c.feeds.Index(),
		Count: c.feeds.Len(),
		Since: c.clock.Now(),
	}
	return c
}

// State is the current state. Loop goroutine only.
func (c *Controller) State() State { return c.state }

// Status returns a snapshot of the session, safe from any goroutine.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run drives the session until ctx is done. Cancellation is observed at
// every iteration boundary and during waits; the open stream, if any, is
// closed before Run returns ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.closeStream()
		c.transition(Stopped)
	}()

	debug.Section("Session loop")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Heartbeat != nil {
			c.Heartbeat()
		}

		switch c.state {
		case Idle:
			c.transition(Connecting)
		case Connecting:
			c.connect(ctx)
		case RetryWait:
			c.waitRetry(ctx)
		case Streaming:
			c.streamOnce()
		default:
			return fmt.Errorf("session: unexpected state %s", c.state)
		}
	}
}

func (c *Controller) connect(ctx context.Context) {
	c.closeStream()
	feed := c.feeds.Current()
	debug.Live("Connecting to: %s", feed.Name)
	c.render(c.display.RenderStatus(render.TextLoading, feed.Name))

	s, err := c.opener.Open(ctx, feed.URL)
	if ctx.Err() != nil {
		if s != nil {
			s.Close()
		}
		return
	}
	if err != nil {
		debug.Warn("Connection to %q failed: %v. Retrying in %v or on button press", feed.Name, err, c.cfg.RetryWait)
		c.retryDeadline = c.clock.Now().Add(c.cfg.RetryWait)
		c.transition(RetryWait)
		return
	}

	c.stream = s
	c.readFailures = 0
	c.transition(Streaming)
}

// waitRetry is one iteration of the retry wait: poll, then either leave
// for a new target, retry the same feed once the deadline passed, or
// sleep one poll interval.
func (c *Controller) waitRetry(ctx context.Context) {
	action := c.input.Poll()
	if action.IsSwitch() {
		c.applySwitch(action)
		c.transition(Connecting)
		return
	}
	if action == button.Snapshot {
		debug.Live("Snapshot ignored: no stream")
	}

	if !c.clock.Now().Before(c.retryDeadline) {
		c.transition(Connecting)
		return
	}

	select {
	case <-ctx.Done():
	case <-c.clock.After(c.cfg.PollInterval):
	}
}

func (c *Controller) streamOnce() {
	feed := c.feeds.Current()

	action := c.input.Poll()
	if action.IsSwitch() {
		c.transition(Switching)
		c.closeStream()
		c.applySwitch(action)
		c.render(c.display.RenderSwitching())
		c.transition(Connecting)
		return
	}

	frame, err := c.stream.Read()
	if err != nil {
		c.readFailures++
		debug.Verbose("Read failed on %q (%d/%d): %v", feed.Name, c.readFailures, c.cfg.ReadFailureLimit, err)
		if c.readFailures >= c.cfg.ReadFailureLimit {
			debug.Live("Stream ended or dropped: %s", feed.Name)
			c.transition(Reconnecting)
			c.closeStream()
			c.render(c.display.RenderSwitching())
			c.mu.Lock()
			c.status.Reconnects++
			c.mu.Unlock()
			c.transition(Connecting)
		}
		return
	}
	c.readFailures = 0

	now := c.clock.Now()
	if action == button.Snapshot {
		c.snapshot(frame, feed.Name)
		c.snapUntil = now.Add(c.cfg.SnapFeedback)
	}

	overlay := ""
	if now.Before(c.snapUntil) {
		overlay = render.TextSnap
	}
	if err := c.display.RenderFrame(frame, feed.Name, overlay); err != nil {
		c.render(err)
		return
	}
	c.pub.Publish(events.FrameRendered{Feed: feed.Name})
}

func (c *Controller) snapshot(frame image.Image, feedName string) {
	if c.snaps == nil {
		debug.Live("Snapshot ignored: snapshots disabled")
		return
	}
	c.snaps.Dispatch(frame, feedName)
	c.mu.Lock()
	c.status.Snapshots++
	c.mu.Unlock()
}

// applySwitch moves the cursor for a Next, Prev or Reload action.
func (c *Controller) applySwitch(action button.Action) {
	var feed feeds.Feed
	switch action {
	case button.Next:
		feed = c.feeds.Advance(1)
	case button.Prev:
		feed = c.feeds.Advance(-1)
	case button.Reload:
		feed = c.feeds.Reload()
		c.pub.Publish(events.FeedsReloaded{Count: c.feeds.Len(), At: c.clock.Now()})
	default:
		return
	}
	debug.Live("%s -> [%d] %s", action, c.feeds.Index(), feed.Name)
	c.pub.Publish(events.FeedSwitched{
		Action: action.String(),
		Feed:   feed.Name,
		Index:  c.feeds.Index(),
		At:     c.clock.Now(),
	})
}

func (c *Controller) closeStream() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		debug.Error(fmt.Errorf("closing stream: %w", err))
	}
	c.stream = nil
	debug.Verbose("Released: %s", c.feeds.Current().Name)
}

func (c *Controller) transition(to State) {
	from := c.state
	c.state = to
	feed := c.feeds.Current()
	now := c.clock.Now()

	c.mu.Lock()
	c.status.State = to.String()
	c.status.Feed = feed.Name
	c.status.Index = c.feeds.Index()
	c.status.Count = c.feeds.Len()
	c.status.Since = now
	c.mu.Unlock()

	debug.Transition(from.String(), to.String(), feed.Name)
	c.pub.Publish(events.StateChanged{
		From:  from.String(),
		To:    to.String(),
		Feed:  feed.Name,
		Index: c.feeds.Index(),
		At:    now,
	})
}

// render logs a failed panel update. The loop keeps going; the panel
// never shows error text.
func (c *Controller) render(err error) {
	if err == nil {
		return
	}
	debug.Error(fmt.Errorf("render: %w", err))
}
