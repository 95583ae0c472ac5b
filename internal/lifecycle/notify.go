package lifecycle

import (
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"
)

// Notifier reports service state to systemd. Outside a Type=notify unit
// every call is a no-op.
type Notifier struct {
	notify   func(state string) (bool, error)
	interval time.Duration
	watchdog *rate.Sometimes
}

// NewNotifier reads WATCHDOG_USEC; heartbeats are sent at half the
// watchdog period, or never when no watchdog is configured.
func NewNotifier() *Notifier {
	n := &Notifier{
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		debug.Error(err)
	} else if d > 0 {
		n.setInterval(d / 2)
		debug.Value("Watchdog interval", n.interval)
	}
	return n
}

// Ready tells systemd the appliance finished starting.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Heartbeat pings the watchdog, at most once per interval.
func (n *Notifier) Heartbeat() {
	if n.watchdog == nil {
		return
	}
	n.watchdog.Do(func() { n.send(daemon.SdNotifyWatchdog) })
}

func (n *Notifier) setInterval(d time.Duration) {
	n.interval = d
	n.watchdog = &rate.Sometimes{Interval: d}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		debug.Error(err)
		return
	}
	if sent {
		debug.Trace("sd_notify %s", state)
	}
}
