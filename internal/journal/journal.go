// Package journal keeps a per-instance record of terminal job outcomes in a
// local SQLite file. It is strictly instance-private bookkeeping for
// operators and reports; cross-instance coordination happens only through
// the shared filesystem, never through this database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mdutra/ocrpipe/constants"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	instance_id  TEXT NOT NULL,
	root         TEXT NOT NULL,
	rel_path     TEXT NOT NULL,
	state        TEXT NOT NULL,
	signed       INTEGER NOT NULL DEFAULT 0,
	pages        INTEGER NOT NULL DEFAULT 0,
	ocr_skipped  INTEGER NOT NULL DEFAULT 0,
	error_code   TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_started_at ON jobs (started_at);
`

// Record is one terminal job outcome.
type Record struct {
	JobID       string
	InstanceID  string
	Root        string
	RelPath     string
	State       constants.JobState
	Signed      bool
	Pages       int
	OCRSkipped  int // pages passed through on the idempotence check
	ErrorCode   string
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Journal is safe for concurrent use by the job workers of one instance.
type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One writer; the workers funnel through database/sql's pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Append stores rec, replacing any earlier row for the same job.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
		(job_id, instance_id, root, rel_path, state, signed, pages, ocr_skipped,
		 error_code, error_detail, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.InstanceID, rec.Root, rec.RelPath, string(rec.State),
		boolInt(rec.Signed), rec.Pages, rec.OCRSkipped,
		rec.ErrorCode, rec.ErrorDetail,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("append journal record %s: %w", rec.JobID, err)
	}
	return nil
}

// List returns all records, oldest first.
func (j *Journal) List(ctx context.Context) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT job_id, instance_id, root, rel_path, state, signed, pages,
		       ocr_skipped, error_code, error_detail, started_at, finished_at
		FROM jobs ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec            Record
			state          string
			signed         int
			startS, finshS string
		)
		if err := rows.Scan(&rec.JobID, &rec.InstanceID, &rec.Root, &rec.RelPath,
			&state, &signed, &rec.Pages, &rec.OCRSkipped,
			&rec.ErrorCode, &rec.ErrorDetail, &startS, &finshS); err != nil {
			return nil, err
		}
		rec.State = constants.JobState(state)
		rec.Signed = signed != 0
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startS)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finshS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
