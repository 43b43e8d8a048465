// Package notify routes maintainer-facing error reports.
package notify

import (
	"fmt"

	"github.com/pkgmill/pkgmill/internal/logger"
)

// Sink receives maintainer notifications about package-level problems.
type Sink interface {
	// Send dispatches a report about pkgbase.
	Send(pkgbase, subject, body string)
	// SendException dispatches an error report with a log file reference.
	SendException(pkgbase, subject string, err error, logRef string)
}

// LogSink writes notifications to the main log. It is the default sink when
// no mail transport is configured.
type LogSink struct {
	Maintainer string
	Log        *logger.Logger
}

var _ Sink = (*LogSink)(nil)

// Send writes the report to the log.
func (s *LogSink) Send(pkgbase, subject, body string) {
	s.Log.WithFields(map[string]any{
		"pkgbase":    pkgbase,
		"maintainer": s.Maintainer,
	}).Warn(fmt.Sprintf("%s: %s", subject, body))
}

// SendException writes the error report to the log including the log file
// reference.
func (s *LogSink) SendException(pkgbase, subject string, err error, logRef string) {
	s.Log.WithFields(map[string]any{
		"pkgbase":    pkgbase,
		"maintainer": s.Maintainer,
		"log":        logRef,
	}).Error(err, subject)
}
