//go:build !linux

package config

import (
	"io"
	"log"
	"os"
)

// GetLogWriter always returns stderr on non-Linux platforms; journald is a
// Linux-only facility.
func GetLogWriter(withJournald bool) io.Writer {
	return os.Stderr
}

// SetupLogging points the standard logger at stderr.
func SetupLogging(withJournald bool) {
	log.SetOutput(GetLogWriter(withJournald))
}
