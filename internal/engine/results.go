package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/db"
	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/notify"
	"github.com/pkgmill/pkgmill/internal/nvchecker"
	"github.com/pkgmill/pkgmill/internal/reason"
	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

// ResultHandler interprets build outcomes. It runs on the driver goroutine
// only; Built and Failed are written nowhere else.
type ResultHandler struct {
	Cycle  *Cycle
	Sorter *Sorter
	DB     Database
	RunID  string
	Sink   notify.Sink
	Log    *logger.Logger
	Events *logger.EventLogger
	LogDir string
}

// Handle records one completed build: logs, notifications, failure memory,
// run-log append, and sorter completion.
func (h *ResultHandler) Handle(ctx context.Context, pkg string, res builder.Result) {
	nvVersion := nvchecker.NewVersion(h.Cycle.NvData[pkg])
	fields := map[string]any{
		"pkgbase":     pkg,
		"nv_version":  nvVersion,
		"pkg_version": res.Version,
		"elapsed":     res.Elapsed.Seconds(),
	}
	message := res.Message

	switch res.Kind {
	case builder.KindSuccessful:
		h.Cycle.Built[pkg] = struct{}{}
		h.Log.Infof("%s built successfully in %s", pkg, res.Elapsed.Round(time.Millisecond))
		h.Events.Emit("package built", fields)

	case builder.KindStaged:
		h.Cycle.Built[pkg] = struct{}{}
		h.Log.Infof("%s staged in %s", pkg, res.Elapsed.Round(time.Millisecond))
		h.Events.Emit("package staged", fields)

	case builder.KindSkipped:
		h.Log.Infof("%s skipped: %s", pkg, res.Message)
		fields["message"] = res.Message
		h.Events.Emit("package skipped", fields)

	case builder.KindFailed:
		message = h.handleFailure(pkg, res, fields)
	}

	dbAppendLog(h.DB, ctx, db.LogRecord{
		RunID:      h.RunID,
		PkgBase:    pkg,
		Result:     res.Kind.String(),
		NvVersion:  nvVersion,
		PkgVersion: res.Version,
		Elapsed:    res.Elapsed,
		CPUTime:    res.CPUTime,
		PeakMem:    res.PeakMem,
		Reasons:    reason.Serialize(h.Cycle.ReasonsOf(pkg)),
		Message:    message,
	})
	dbMarkStatus(h.DB, ctx, h.RunID, pkg, "done")
	h.Sorter.Done(pkg)
}

func (h *ResultHandler) handleFailure(pkg string, res builder.Result, fields map[string]any) string {
	logRef := filepath.Join(h.LogDir, pkg+".log")

	var missing *pkgmillerrors.MissingDependenciesError
	if errors.As(res.Err, &missing) {
		h.Cycle.Failed[pkg] = append([]string(nil), missing.Deps...)
		body := h.composeMissingReport(missing.Deps)
		h.Sink.Send(pkg, "build failed: missing dependencies", body)

		h.Log.Error(res.Err, fmt.Sprintf("%s failed on missing dependencies", pkg))
		fields["error"] = res.Err.Error()
		fields["missing"] = missing.Deps
		h.Events.Emit("package failed", fields)
		return res.Err.Error()
	}

	if _, present := h.Cycle.Failed[pkg]; !present {
		h.Cycle.Failed[pkg] = nil
	}
	h.Sink.SendException(pkg, "build failed", res.Err, logRef)

	h.Log.Error(res.Err, fmt.Sprintf("%s failed", pkg))
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	h.Events.Emit("package failed", fields)
	if res.Err != nil {
		return res.Err.Error()
	}
	return "build failed"
}

// composeMissingReport distinguishes dependencies that already failed this
// cycle from those never attempted.
func (h *ResultHandler) composeMissingReport(deps []string) string {
	var failedThisCycle, notAttempted []string
	for _, dep := range deps {
		if _, failed := h.Cycle.Failed[dep]; failed {
			failedThisCycle = append(failedThisCycle, dep)
		} else {
			notAttempted = append(notAttempted, dep)
		}
	}
	sort.Strings(failedThisCycle)
	sort.Strings(notAttempted)

	var b strings.Builder
	if len(failedThisCycle) > 0 {
		fmt.Fprintf(&b, "dependencies failed this cycle: %s\n", strings.Join(failedThisCycle, ", "))
	}
	if len(notAttempted) > 0 {
		fmt.Fprintf(&b, "dependencies not attempted: %s\n", strings.Join(notAttempted, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
