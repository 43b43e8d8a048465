package engine

import (
	"context"
	"time"

	"github.com/pkgmill/pkgmill/internal/db"
)

// Database is the subset of the run-log database the engine consumes. A nil
// Database is valid; every query degrades to its zero answer.
type Database interface {
	LastSuccessTime(ctx context.Context, pkgbase string) (time.Time, bool)
	IsLastBuildFailed(ctx context.Context, pkgbase string) bool
	MarkStatus(ctx context.Context, runID, pkgbase, status string)
	AppendLog(ctx context.Context, record db.LogRecord)
}

func dbLastSuccess(d Database, ctx context.Context, pkgbase string) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	return d.LastSuccessTime(ctx, pkgbase)
}

func dbLastBuildFailed(d Database, ctx context.Context, pkgbase string) bool {
	if d == nil {
		return false
	}
	return d.IsLastBuildFailed(ctx, pkgbase)
}

func dbMarkStatus(d Database, ctx context.Context, runID, pkgbase, status string) {
	if d == nil {
		return
	}
	d.MarkStatus(ctx, runID, pkgbase, status)
}

func dbAppendLog(d Database, ctx context.Context, record db.LogRecord) {
	if d == nil {
		return
	}
	d.AppendLog(ctx, record)
}
