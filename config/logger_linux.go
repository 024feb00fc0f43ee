//go:build linux

package config

import (
	"io"
	"log"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
)

// journalWriter adapts the journald client to io.Writer so it can be
// plugged into the standard logger.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetLogWriter returns a journald-backed writer when journald is reachable,
// falling back to stderr otherwise.
func GetLogWriter(withJournald bool) io.Writer {
	if withJournald && journal.Enabled() {
		return journalWriter{}
	}
	return os.Stderr
}

// SetupLogging points the standard logger at journald (when requested and
// reachable) or stderr, dropping the default timestamp prefix when
// journald already attaches one.
func SetupLogging(withJournald bool) {
	w := GetLogWriter(withJournald)
	log.SetOutput(w)
	if _, isJournal := w.(journalWriter); isJournal {
		log.SetFlags(0)
	}
}
