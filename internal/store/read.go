package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/backcompat/internal/result"
)

// ErrRunNotFound is returned when no run matches the requested ID.
var ErrRunNotFound = errors.New("run not found")

// ErrDigestMismatch is returned when a stored tree no longer hashes to its
// recorded digest.
var ErrDigestMismatch = errors.New("stored tree does not match its digest")

// ListOptions filters ListRuns.
type ListOptions struct {
	// Kind limits the listing to one tool. Empty lists both.
	Kind Kind
	// Limit keeps only the most recent runs. Zero means no limit.
	Limit int
}

// ListRuns returns run summaries (Tree is nil) in start order.
//
// Returns an empty slice (not nil) when no runs are recorded.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	// Take the newest rows first so LIMIT keeps the most recent, then restore
	// ascending order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started_at, finished_at, api, status, digest FROM (
			SELECT id, kind, started_at, finished_at, api, status, digest
			FROM runs
			WHERE ? = '' OR kind = ?
			ORDER BY started_at DESC, id COLLATE BINARY DESC
			LIMIT ?
		)
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, string(opts.Kind), string(opts.Kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun retrieves a single run with its result tree.
// Returns ErrRunNotFound if no run has this ID.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, started_at, finished_at, api, status, digest, tree
		FROM runs
		WHERE id = ?
	`, id)
	return scanRunWithTree(row)
}

// ReadLatestRun retrieves the most recent run of kind (any kind when empty).
// Returns ErrRunNotFound if nothing is recorded.
func (s *Store) ReadLatestRun(ctx context.Context, kind Kind) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, started_at, finished_at, api, status, digest, tree
		FROM runs
		WHERE ? = '' OR kind = ?
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT 1
	`, string(kind), string(kind))
	return scanRunWithTree(row)
}

// ReadChecks returns the checks of one run in invocation order.
//
// Returns an empty slice (not nil) if the run recorded no checks.
func (s *Store) ReadChecks(ctx context.Context, runID string) ([]CheckRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, position, name, status, exit_code, duration_ms, error, stdout, stderr
		FROM check_runs
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()
	return scanCheckRuns(rows)
}

// ReadCheckHistory returns every recorded invocation of the named check,
// oldest first.
func (s *Store) ReadCheckHistory(ctx context.Context, name string) ([]CheckRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.run_id, c.position, c.name, c.status, c.exit_code, c.duration_ms, c.error, c.stdout, c.stderr
		FROM check_runs c
		JOIN runs r ON c.run_id = r.id
		WHERE c.name = ?
		ORDER BY r.started_at ASC, r.id COLLATE BINARY ASC, c.position ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query check history: %w", err)
	}
	defer rows.Close()
	return scanCheckRuns(rows)
}

// scanRun scans a summary row into a Run.
func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var kind, started, finished, status string
	if err := rows.Scan(&run.ID, &kind, &started, &finished, &run.API, &status, &run.Digest); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := fillRun(&run, kind, started, finished, status); err != nil {
		return Run{}, err
	}
	return run, nil
}

// scanRunWithTree scans a full row and verifies the tree digest.
func scanRunWithTree(row *sql.Row) (Run, error) {
	var run Run
	var kind, started, finished, status, tree string
	err := row.Scan(&run.ID, &kind, &started, &finished, &run.API, &status, &run.Digest, &tree)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := fillRun(&run, kind, started, finished, status); err != nil {
		return Run{}, err
	}

	node := &result.Node{}
	if err := node.UnmarshalJSON([]byte(tree)); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	digest, err := node.Digest()
	if err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if digest != run.Digest {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, ErrDigestMismatch)
	}
	run.Tree = node
	return run, nil
}

func fillRun(run *Run, kind, started, finished, status string) error {
	var err error
	run.Kind = Kind(kind)
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return fmt.Errorf("run %s: parse started_at: %w", run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return fmt.Errorf("run %s: parse finished_at: %w", run.ID, err)
	}
	if run.Status, err = result.ParseStatus(status); err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	return nil
}

func scanCheckRuns(rows *sql.Rows) ([]CheckRun, error) {
	checks := []CheckRun{}
	for rows.Next() {
		var c CheckRun
		var status string
		var durationMS int64
		if err := rows.Scan(
			&c.RunID, &c.Position, &c.Name, &status, &c.ExitCode,
			&durationMS, &c.Error, &c.Stdout, &c.Stderr,
		); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		var err error
		if c.Status, err = result.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("check %s: %w", c.Name, err)
		}
		c.Duration = time.Duration(durationMS) * time.Millisecond
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return checks, nil
}
