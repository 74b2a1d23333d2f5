package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/backcompat/internal/store"
)

// HistoryOptions holds flags for the history commands.
type HistoryOptions struct {
	*RootOptions
	Database string
	Kind     string
	Limit    int
}

// NewHistoryCommand creates the history command and its subcommands.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List runs recorded in the history database, oldest first.

Example:
  backcompat history --db history.db --limit 10
  backcompat history show <run-id>
  backcompat history check backwards-check-8c88dda92b@master`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(opts, cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "history database (overrides history_db)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only runs of this kind (compat|pps)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "only the most recent N runs")

	cmd.AddCommand(&cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show one run with its result tree",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(opts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "check <name>",
		Short:         "Show every recorded invocation of one check",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryCheck(opts, args[0], cmd)
		},
	})

	return cmd
}

// RunRecord is the JSON form of a recorded run.
type RunRecord struct {
	ID         string        `json:"id"`
	Kind       store.Kind    `json:"kind"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	API        string        `json:"api,omitempty"`
	Status     string        `json:"status"`
	Digest     string        `json:"digest"`
	Checks     []CheckRecord `json:"checks,omitempty"`
	Tree       any           `json:"tree,omitempty"`
}

// CheckRecord is the JSON form of a recorded checker invocation.
type CheckRecord struct {
	RunID      string `json:"run_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func toRunRecord(r store.Run) RunRecord {
	rec := RunRecord{
		ID:         r.ID,
		Kind:       r.Kind,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		API:        r.API,
		Status:     string(r.Status),
		Digest:     r.Digest,
	}
	if r.Tree != nil {
		rec.Tree = r.Tree
	}
	return rec
}

func toCheckRecords(crs []store.CheckRun) []CheckRecord {
	out := make([]CheckRecord, 0, len(crs))
	for _, cr := range crs {
		out = append(out, CheckRecord{
			RunID:      cr.RunID,
			Name:       cr.Name,
			Status:     string(cr.Status),
			ExitCode:   cr.ExitCode,
			DurationMS: cr.Duration.Milliseconds(),
			Error:      cr.Error,
		})
	}
	return out
}

// openHistory opens the configured history database. The database must
// already exist: reading history never creates one.
func (o *HistoryOptions) openHistory(cmd *cobra.Command) (*store.Store, error) {
	path := o.Database
	if !cmd.Flags().Changed("db") {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.HistoryDB
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no history database: set history_db or pass --db")
	}
	if !fileExists(path) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("history database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open history database", err)
	}
	return st, nil
}

func runHistoryList(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	kind := store.Kind(opts.Kind)
	if kind != "" && kind != store.KindCompat && kind != store.KindPPS {
		return outputCommandError(formatter, ErrCodeGeneric,
			NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be compat or pps", opts.Kind)))
	}

	st, err := opts.openHistory(cmd)
	if err != nil {
		return outputCommandError(formatter, ErrCodeNotFound, err)
	}
	defer st.Close()

	runs, err := st.ListRuns(commandContext(cmd), store.ListOptions{Kind: kind, Limit: opts.Limit})
	if err != nil {
		return outputCommandError(formatter, ErrCodeGeneric, WrapExitError(ExitCommandError, "failed to list runs", err))
	}

	records := make([]RunRecord, 0, len(runs))
	for _, r := range runs {
		records = append(records, toRunRecord(r))
	}

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(formatter.Writer, "%s  %s  %-6s  %-4s  %s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Kind, r.Status, r.API)
	}
	return nil
}

func runHistoryShow(opts *HistoryOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	st, err := opts.openHistory(cmd)
	if err != nil {
		return outputCommandError(formatter, ErrCodeNotFound, err)
	}
	defer st.Close()

	run, err := st.ReadRun(ctx, id)
	if err != nil {
		code := ErrCodeGeneric
		if errors.Is(err, store.ErrRunNotFound) {
			code = ErrCodeNotFound
		}
		return outputCommandError(formatter, code, WrapExitError(ExitCommandError, "failed to read run", err))
	}
	crs, err := st.ReadChecks(ctx, id)
	if err != nil {
		return outputCommandError(formatter, ErrCodeGeneric, WrapExitError(ExitCommandError, "failed to read checks", err))
	}

	rec := toRunRecord(run)
	rec.Checks = toCheckRecords(crs)

	if formatter.Format == "json" {
		return formatter.Success(rec)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s (%s)\n", rec.ID, rec.Kind)
	fmt.Fprintf(w, "Started:  %s\nFinished: %s\n", rec.StartedAt.Format(time.RFC3339), rec.FinishedAt.Format(time.RFC3339))
	if rec.API != "" {
		fmt.Fprintf(w, "API:      %s\n", rec.API)
	}
	fmt.Fprintf(w, "Status:   %s\nDigest:   %s\n\n", rec.Status, rec.Digest)
	printTree(w, run.Tree)
	return nil
}

func runHistoryCheck(opts *HistoryOptions, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	st, err := opts.openHistory(cmd)
	if err != nil {
		return outputCommandError(formatter, ErrCodeNotFound, err)
	}
	defer st.Close()

	crs, err := st.ReadCheckHistory(commandContext(cmd), name)
	if err != nil {
		return outputCommandError(formatter, ErrCodeGeneric, WrapExitError(ExitCommandError, "failed to read check history", err))
	}
	records := toCheckRecords(crs)

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	if len(records) == 0 {
		fmt.Fprintf(formatter.Writer, "No runs of %s recorded.\n", name)
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(formatter.Writer, "%s  %-4s  exit %d  %dms", r.RunID, r.Status, r.ExitCode, r.DurationMS)
		if r.Error != "" {
			fmt.Fprintf(formatter.Writer, "  %s", r.Error)
		}
		fmt.Fprintln(formatter.Writer)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
