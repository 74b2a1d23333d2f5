package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roach88/backcompat/internal/result"
)

// Kind distinguishes the two tools that record runs.
type Kind string

const (
	KindCompat Kind = "compat"
	KindPPS    Kind = "pps"
)

// maxOutputBytes bounds the stdout/stderr stored per check.
const maxOutputBytes = 64 << 10

// Run is one recorded run.
type Run struct {
	ID         string
	Kind       Kind
	StartedAt  time.Time
	FinishedAt time.Time
	API        string
	Status     result.Status
	Digest     string

	// Tree is nil in listings; ReadRun fills it.
	Tree *result.Node
}

// CheckRun is one checker invocation within a compatibility run.
type CheckRun struct {
	RunID    string
	Position int
	Name     string
	Status   result.Status
	ExitCode int
	Duration time.Duration
	Error    string
	Stdout   string
	Stderr   string
}

// NewRunID returns a fresh UUIDv7.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// NewRun builds a Run for tree with a fresh ID, its aggregate status and its
// digest.
func NewRun(kind Kind, started, finished time.Time, api string, tree *result.Node) (Run, error) {
	id, err := NewRunID()
	if err != nil {
		return Run{}, err
	}
	digest, err := tree.Digest()
	if err != nil {
		return Run{}, fmt.Errorf("digest result tree: %w", err)
	}
	return Run{
		ID:         id,
		Kind:       kind,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		API:        api,
		Status:     tree.Aggregate(),
		Digest:     digest,
		Tree:       tree,
	}, nil
}

// WriteRun inserts run and its checks in one transaction.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - writing the same run
// twice leaves the first copy in place.
func (s *Store) WriteRun(ctx context.Context, run Run, checks []CheckRun) error {
	if run.Tree == nil {
		return fmt.Errorf("write run %s: missing result tree", run.ID)
	}
	treeJSON, err := json.Marshal(run.Tree)
	if err != nil {
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run %s: begin: %w", run.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, kind, started_at, finished_at, api, status, digest, tree)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		string(run.Kind),
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.API,
		string(run.Status),
		run.Digest,
		string(treeJSON),
	)
	if err != nil {
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for i, c := range checks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO check_runs
			(run_id, position, name, status, exit_code, duration_ms, error, stdout, stderr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			i,
			c.Name,
			string(c.Status),
			c.ExitCode,
			c.Duration.Milliseconds(),
			c.Error,
			clip(c.Stdout),
			clip(c.Stderr),
		)
		if err != nil {
			return fmt.Errorf("write check %s of run %s: %w", c.Name, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run %s: commit: %w", run.ID, err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// clip keeps the tail of s, where build errors usually are. The cut moves
// forward to a rune boundary.
func clip(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := len(s) - maxOutputBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
