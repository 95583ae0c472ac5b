package debug

import (
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalAvailable reports whether the systemd journal socket is reachable.
func JournalAvailable() bool {
	return journal.Enabled()
}

// JournalWriter returns an io.Writer that forwards each debug line to the
// systemd journal. Lines tagged [ERROR] or [WARN] keep their priority.
func JournalWriter() *journalWriter {
	return &journalWriter{}
}

type journalWriter struct{}

func (w *journalWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	if err := journal.Send(msg, priorityOf(msg), map[string]string{
		"SYSLOG_IDENTIFIER": "doorbell",
	}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func priorityOf(msg string) journal.Priority {
	switch {
	case strings.Contains(msg, "[ERROR]"):
		return journal.PriErr
	case strings.Contains(msg, "[WARN]"):
		return journal.PriWarning
	case strings.Contains(msg, "[TRACE]"), strings.Contains(msg, "[GPIO]"), strings.Contains(msg, "[VERBOSE]"):
		return journal.PriDebug
	default:
		return journal.PriInfo
	}
}
