package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/backcompat/internal/checks"
	"github.com/roach88/backcompat/internal/config"
	"github.com/roach88/backcompat/internal/result"
	"github.com/roach88/backcompat/internal/runner"
	"github.com/roach88/backcompat/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ImagesDir    string
	WorkspaceDir string
	Checker      string
	APIGlob      string
	ChecksFile   string
	Database     string

	// Executor overrides the checker executor (for testing).
	// If nil, checkers run as child processes.
	Executor runner.Executor
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the backwards-compatibility checks",
		Long: `Build every enabled entry of the check table against the API package.

The API package is the single file matching the API glob (default
images/mesa-*.tar.gz). Each entry runs the checker once; its status file is
merged into images/status.json and rendered to images/status.html.

Exit status is 0 only if every check passed and left a readable status file.

Example:
  backcompat run
  backcompat run --checks checks.cue --db history.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChecks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ImagesDir, "images", "", "images directory (overrides images_dir)")
	cmd.Flags().StringVar(&opts.WorkspaceDir, "workspace", "", "workspace root (overrides workspace_dir)")
	cmd.Flags().StringVar(&opts.Checker, "checker", "", "checker executable (overrides checker)")
	cmd.Flags().StringVar(&opts.APIGlob, "api-glob", "", "API package glob (overrides api_glob)")
	cmd.Flags().StringVar(&opts.ChecksFile, "checks", "", "check table, .yaml or .cue (overrides checks_file)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "history database (overrides history_db)")

	return cmd
}

// RunSummary is the JSON payload of the run command.
type RunSummary struct {
	API        string         `json:"api"`
	Aggregate  result.Status  `json:"aggregate"`
	OK         bool           `json:"ok"`
	Checks     []CheckSummary `json:"checks"`
	StatusPath string         `json:"status_path"`
	HTMLPath   string         `json:"html_path"`
	RunID      string         `json:"run_id,omitempty"`
}

// CheckSummary describes one checker invocation.
type CheckSummary struct {
	Name       string        `json:"name"`
	Status     result.Status `json:"status"`
	ExitCode   int           `json:"exit_code"`
	DurationMS int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

func runChecks(opts *RunOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return outputCommandError(formatter, ErrCodeConfig, err)
	}
	opts.apply(cmd, cfg)

	table := checks.Default()
	if cfg.ChecksFile != "" {
		table, err = checks.Load(cfg.ChecksFile)
		if err != nil {
			return outputCommandError(formatter, ErrCodeConfig,
				WrapExitError(ExitCommandError, "failed to load check table", err))
		}
	}
	formatter.VerboseLog("Running %d of %d checks", len(table.Enabled()), len(table.Checks))

	r := runner.New(runner.Options{
		ImagesDir:    cfg.ImagesDir,
		WorkspaceDir: cfg.WorkspaceDir,
		Checker:      cfg.Checker,
		APIGlob:      cfg.APIGlob,
		Executor:     opts.Executor,
		Logger:       logger,
		Echo:         formatter.GetErrWriter(),
	})

	ctx := commandContext(cmd)
	started := time.Now()
	report, err := r.Run(ctx, table)
	if err != nil {
		return outputCommandError(formatter, runErrorCode(err), WrapExitError(ExitCommandError, "compatibility run failed", err))
	}
	finished := time.Now()

	summary := summarizeReport(report)

	var historyErr error
	if cfg.HistoryDB != "" {
		summary.RunID, historyErr = recordCompatRun(ctx, cfg.HistoryDB, report, started, finished, logger)
	}

	if err := outputRunSummary(formatter, summary, report.Root); err != nil {
		return err
	}
	if historyErr != nil {
		return WrapExitError(ExitCommandError, "failed to record run history", historyErr)
	}
	if !summary.OK {
		return NewExitError(ExitFailure, "compatibility checks failed")
	}
	return nil
}

// apply lets explicitly set flags override the config.
func (o *RunOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("images") {
		cfg.ImagesDir = o.ImagesDir
	}
	if flags.Changed("workspace") {
		cfg.WorkspaceDir = o.WorkspaceDir
	}
	if flags.Changed("checker") {
		cfg.Checker = o.Checker
	}
	if flags.Changed("api-glob") {
		cfg.APIGlob = o.APIGlob
	}
	if flags.Changed("checks") {
		cfg.ChecksFile = o.ChecksFile
	}
	if flags.Changed("db") {
		cfg.HistoryDB = o.Database
	}
}

func summarizeReport(report *runner.Report) RunSummary {
	summary := RunSummary{
		API:        report.API,
		Aggregate:  report.Aggregate(),
		OK:         report.OK(),
		StatusPath: report.StatusPath,
		HTMLPath:   report.HTMLPath,
		Checks:     make([]CheckSummary, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		cs := CheckSummary{
			Name:       o.Check.BaseName(),
			Status:     o.Node.Aggregate(),
			ExitCode:   o.Output.ExitCode,
			DurationMS: o.Output.Duration.Milliseconds(),
		}
		if o.Err != nil {
			cs.Error = o.Err.Error()
		}
		summary.Checks = append(summary.Checks, cs)
	}
	return summary
}

func recordCompatRun(ctx context.Context, path string, report *runner.Report, started, finished time.Time, logger *slog.Logger) (string, error) {
	st, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing history database", "error", closeErr)
		}
	}()

	run, err := store.NewRun(store.KindCompat, started, finished, report.API, report.RunNode)
	if err != nil {
		return "", err
	}

	checkRuns := make([]store.CheckRun, 0, len(report.Outcomes))
	for i, o := range report.Outcomes {
		cr := store.CheckRun{
			RunID:    run.ID,
			Position: i,
			Name:     o.Check.BaseName(),
			Status:   o.Node.Aggregate(),
			ExitCode: o.Output.ExitCode,
			Duration: o.Output.Duration,
			Stdout:   string(o.Output.Stdout),
			Stderr:   string(o.Output.Stderr),
		}
		if o.Err != nil {
			cr.Error = o.Err.Error()
		}
		checkRuns = append(checkRuns, cr)
	}

	// The run is already on disk; don't let a cancelled context drop its record.
	if err := st.WriteRun(context.WithoutCancel(ctx), run, checkRuns); err != nil {
		return "", err
	}
	logger.Info("run recorded", "id", run.ID, "db", path)
	return run.ID, nil
}

func outputRunSummary(f *OutputFormatter, summary RunSummary, root *result.Node) error {
	if f.Format == "json" {
		return f.Success(summary)
	}

	w := f.Writer
	fmt.Fprintf(w, "API: %s\n\n", summary.API)
	for _, c := range summary.Checks {
		fmt.Fprintf(w, "  %-4s %s (exit %d, %dms)\n", c.Status, c.Name, c.ExitCode, c.DurationMS)
		if c.Error != "" {
			fmt.Fprintf(w, "       %s\n", c.Error)
		}
	}
	if f.Verbose {
		fmt.Fprintln(w)
		printTree(w, root)
	}
	fmt.Fprintf(w, "\nAggregate: %s\n", summary.Aggregate)
	fmt.Fprintf(w, "Status: %s\nHTML: %s\n", summary.StatusPath, summary.HTMLPath)
	if summary.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", summary.RunID)
	}
	return nil
}

// outputCommandError reports err in the configured format and returns it as
// an ExitError with ExitCommandError unless it already carries a code.
// runErrorCode classifies an error that stopped a compatibility run.
func runErrorCode(err error) string {
	var apiErr *runner.APICountError
	var parseErr *result.ParseError
	switch {
	case errors.As(err, &apiErr):
		return ErrCodeAPI
	case errors.As(err, &parseErr):
		return ErrCodeParse
	}
	return ErrCodeGeneric
}

func outputCommandError(f *OutputFormatter, code string, err error) error {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		exitErr = WrapExitError(ExitCommandError, "command failed", err)
	}
	if f.Format == "json" {
		_ = f.Error(code, exitErr.Error(), nil)
	}
	return exitErr
}
