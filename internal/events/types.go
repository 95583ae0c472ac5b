package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeFeedSwitched
	TypeFeedsReloaded
	TypeSnapshotFinished
	TypeFrameRendered
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChanged is published on every session state transition.
type StateChanged struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Feed  string    `json:"feed"`
	Index int       `json:"index"`
	At    time.Time `json:"at"`
}

// Type returns the event type identifier for StateChanged.
func (e StateChanged) Type() uint32 { return TypeStateChanged }

// FeedSwitched is published when the selected feed changes on user request.
type FeedSwitched struct {
	Action string    `json:"action"` // NEXT, PREV or RELOAD
	Feed   string    `json:"feed"`
	Index  int       `json:"index"`
	At     time.Time `json:"at"`
}

// Type returns the event type identifier for FeedSwitched.
func (e FeedSwitched) Type() uint32 { return TypeFeedSwitched }

// FeedsReloaded is published after the feed list was read again.
type FeedsReloaded struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// Type returns the event type identifier for FeedsReloaded.
func (e FeedsReloaded) Type() uint32 { return TypeFeedsReloaded }

// SnapshotFinished reports the outcome of one background snapshot job.
type SnapshotFinished struct {
	ID       string        `json:"id"`
	Feed     string        `json:"feed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Type returns the event type identifier for SnapshotFinished.
func (e SnapshotFinished) Type() uint32 { return TypeSnapshotFinished }

// OK reports whether the job succeeded.
func (e SnapshotFinished) OK() bool { return e.Error == "" }

// FrameRendered is published for every video frame pushed to the panel.
type FrameRendered struct {
	Feed string `json:"feed"`
}

// Type returns the event type identifier for FrameRendered.
func (e FrameRendered) Type() uint32 { return TypeFrameRendered }
