package button

import (
	"time"

	"github.com/cjeanneret/doorbell/internal/clock"
	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/hw/gpio"
)

// Action is a logical button event derived from one poll.
type Action int

const (
	None Action = iota
	Next
	Prev
	Snapshot
	Reload
)

func (a Action) String() string {
	switch a {
	case None:
		return "NONE"
	case Next:
		return "NEXT"
	case Prev:
		return "PREV"
	case Snapshot:
		return "SNAPSHOT"
	case Reload:
		return "RELOAD"
	default:
		return "UNKNOWN"
	}
}

// IsSwitch reports whether the action changes the selected feed.
func (a Action) IsSwitch() bool {
	return a == Next || a == Prev || a == Reload
}

// Config holds the BCM pins of the keys. A zero pin is not wired.
type Config struct {
	NextPin     int
	PrevPin     int
	SnapshotPin int
	ReloadPin   int
	Debounce    time.Duration
}

// Poller turns instantaneous key levels into debounced actions.
//
// Keys are active LOW (internal pull-up, pressed pulls to ground).
// A single shared gate suppresses every poll made less than Debounce
// after the last accepted action, whichever key it came from. When
// several keys are down at once the first in the order Next, Prev,
// Snapshot, Reload wins.
//
// Requests queued with Request (web relay, feed watcher) are taken only
// when no key is pressed and go through the same gate.
type Poller struct {
	gpio     gpio.Driver
	clock    clock.Clock
	keys     []key
	debounce time.Duration
	requests chan Action

	lastAccepted time.Time
	accepted     bool
}

type key struct {
	pin    int
	action Action
}

// NewPoller configures the key pins as pulled-up inputs.
func NewPoller(g gpio.Driver, clk clock.Clock, cfg Config) (*Poller, error) {
	p := &Poller{
		gpio:     g,
		clock:    clk,
		debounce: cfg.Debounce,
		requests: make(chan Action, 8),
	}
	for _, k := range []key{
		{cfg.NextPin, Next},
		{cfg.PrevPin, Prev},
		{cfg.SnapshotPin, Snapshot},
		{cfg.ReloadPin, Reload},
	} {
		if k.pin <= 0 {
			continue
		}
		if err := g.SetupPin(k.pin, gpio.InputPullUp); err != nil {
			return nil, err
		}
		p.keys = append(p.keys, k)
	}
	return p, nil
}

// Request queues a remote action. It never blocks; when the queue is
// full the request is dropped and false is returned.
func (p *Poller) Request(a Action) bool {
	if a == None {
		return false
	}
	select {
	case p.requests <- a:
		return true
	default:
		debug.Verbose("Poller: request queue full, dropping %s", a)
		return false
	}
}

// Poll returns the action observed now, or None.
func (p *Poller) Poll() Action {
	now := p.clock.Now()
	if p.accepted && now.Sub(p.lastAccepted) < p.debounce {
		return None
	}

	action := p.pressed()
	if action == None {
		select {
		case action = <-p.requests:
		default:
		}
	}
	if action == None {
		return None
	}

	p.lastAccepted = now
	p.accepted = true
	debug.Button(action.String())
	return action
}

func (p *Poller) pressed() Action {
	for _, k := range p.keys {
		level, err := p.gpio.ReadPin(k.pin)
		if err != nil {
			debug.Trace("Poller: read pin %d failed: %v", k.pin, err)
			continue
		}
		if level == gpio.Low {
			return k.action
		}
	}
	return None
}
