// Package db is the optional run-log database. Every operation degrades to a
// no-op when no database is configured; callers hold a possibly-nil *DB and
// never branch on availability themselves.
package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool. A nil *DB is valid and inert.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url. An empty url yields a nil DB with no
// error.
func Open(ctx context.Context, url string) (*DB, error) {
	if url == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d == nil {
		return
	}
	d.pool.Close()
}

// StartRun records the beginning of a cycle and returns its run id.
func (d *DB) StartRun(ctx context.Context, startedAt time.Time) string {
	runID := uuid.NewString()
	if d == nil {
		return runID
	}
	_, _ = d.pool.Exec(ctx,
		`insert into runs (id, started_at) values ($1, $2)`,
		runID, startedAt)
	return runID
}

// FinishRun stamps the cycle's end time.
func (d *DB) FinishRun(ctx context.Context, runID string, finishedAt time.Time) {
	if d == nil {
		return
	}
	_, _ = d.pool.Exec(ctx,
		`update runs set finished_at = $2 where id = $1`,
		runID, finishedAt)
}

// LastSuccessTime returns when pkgbase last built successfully, for throttle
// decisions. ok is false when unknown or when no database is configured.
func (d *DB) LastSuccessTime(ctx context.Context, pkgbase string) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	var t time.Time
	err := d.pool.QueryRow(ctx,
		`select max(finished_at) from pkg_logs
		 where pkgbase = $1 and result in ('successful', 'staged')`,
		pkgbase).Scan(&t)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// IsLastBuildFailed reports whether pkgbase's most recent build failed. False
// when no database is configured.
func (d *DB) IsLastBuildFailed(ctx context.Context, pkgbase string) bool {
	if d == nil {
		return false
	}
	var result string
	err := d.pool.QueryRow(ctx,
		`select result from pkg_logs where pkgbase = $1
		 order by finished_at desc limit 1`,
		pkgbase).Scan(&result)
	if err != nil {
		return false
	}
	return result == "failed"
}

// MarkStatus updates the package's current scheduler status.
func (d *DB) MarkStatus(ctx context.Context, runID, pkgbase, status string) {
	if d == nil {
		return
	}
	_, _ = d.pool.Exec(ctx,
		`insert into pkg_status (run_id, pkgbase, status, updated_at)
		 values ($1, $2, $3, now())
		 on conflict (pkgbase) do update set run_id = $1, status = $3, updated_at = now()`,
		runID, pkgbase, status)
}

// LogRecord is one per-package build record appended after each build.
type LogRecord struct {
	RunID      string
	PkgBase    string
	Result     string
	NvVersion  string
	PkgVersion string
	Elapsed    time.Duration
	CPUTime    time.Duration
	PeakMem    int64
	Reasons    []map[string]any
	Message    string
}

// AppendLog persists one build record.
func (d *DB) AppendLog(ctx context.Context, record LogRecord) {
	if d == nil {
		return
	}
	reasons, err := json.Marshal(record.Reasons)
	if err != nil {
		reasons = []byte("[]")
	}
	_, _ = d.pool.Exec(ctx,
		`insert into pkg_logs
		 (run_id, pkgbase, result, nv_version, pkg_version,
		  elapsed_seconds, cputime_seconds, memory_bytes, reasons, message, finished_at)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		record.RunID, record.PkgBase, record.Result, record.NvVersion, record.PkgVersion,
		record.Elapsed.Seconds(), record.CPUTime.Seconds(), record.PeakMem,
		reasons, record.Message)
}
