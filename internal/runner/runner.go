// Package runner drives the backwards-compatibility checks.
//
// For every enabled entry of a check table the runner invokes the external
// checker once, strictly in table order, and folds the status file the
// checker leaves in its output directory into a shared result tree. A checker
// that crashes or leaves no readable status file fails its own entry only;
// the remaining entries still run.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/backcompat/internal/checks"
	"github.com/roach88/backcompat/internal/result"
)

// Defaults for Options fields left empty.
const (
	DefaultImagesDir    = "images"
	DefaultWorkspaceDir = "backwards-check-ws"
	DefaultChecker      = "./.cmake/backwards-compatibility-check_.rb"

	// RunNodeName names the node that collects one run's check results.
	RunNodeName = "API-Backwards check"

	// RootName names a fresh root when no status file exists yet.
	RootName = "status"

	statusFile = "status.json"
	htmlFile   = "status.html"
)

// Options configures a Runner.
type Options struct {
	ImagesDir    string
	WorkspaceDir string
	Checker      string
	APIGlob      string

	Executor Executor
	Logger   *slog.Logger

	// Echo, when set, receives each checker's stdout and stderr.
	Echo io.Writer
}

// Runner executes check tables.
type Runner struct {
	opts Options
}

// New returns a Runner with empty options filled from the defaults.
func New(opts Options) *Runner {
	if opts.ImagesDir == "" {
		opts.ImagesDir = DefaultImagesDir
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = DefaultWorkspaceDir
	}
	if opts.Checker == "" {
		opts.Checker = DefaultChecker
	}
	if opts.APIGlob == "" {
		opts.APIGlob = filepath.Join(opts.ImagesDir, apiPattern)
	}
	if opts.Executor == nil {
		opts.Executor = ExecExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{opts: opts}
}

// CheckOutcome records one checker invocation.
type CheckOutcome struct {
	Check  checks.Check
	Args   []string
	Output Output
	Node   *result.Node

	// Err is set when the checker could not be run or its status file could
	// not be read. Node is then a FAIL node describing the problem.
	Err error
}

// Report is the outcome of a whole run.
type Report struct {
	API      string
	Root     *result.Node
	RunNode  *result.Node
	Outcomes []CheckOutcome

	StatusPath string
	HTMLPath   string
}

// Aggregate is the worst status of the merged tree.
func (r *Report) Aggregate() result.Status {
	return r.Root.Aggregate()
}

// OK reports whether the run passes: the merged tree is OK and every checker
// left a readable status file.
func (r *Report) OK() bool {
	if !r.Aggregate().OK() {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// Run executes every enabled check in table and merges the results into the
// root status file under ImagesDir.
//
// The returned error covers problems with the run itself: API discovery, an
// unreadable root status file, filesystem errors and cancellation. Checker
// failures are reported through the Report.
func (r *Runner) Run(ctx context.Context, table *checks.Table) (*Report, error) {
	log := r.opts.Logger

	api, err := FindAPI(r.opts.APIGlob)
	if err != nil {
		return nil, err
	}
	log.Info("API package found", "api", api)

	statusPath := filepath.Join(r.opts.ImagesDir, statusFile)
	root, err := loadRoot(statusPath)
	if err != nil {
		return nil, err
	}

	runNode := result.New(RunNodeName, result.StatusOK, map[string]string{"api-release": api})
	report := &Report{
		API:        api,
		Root:       root,
		RunNode:    runNode,
		StatusPath: statusPath,
		HTMLPath:   filepath.Join(r.opts.ImagesDir, htmlFile),
	}

	for _, c := range table.Enabled() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled: %w", err)
		}

		outcome, err := r.runCheck(ctx, api, c)
		if err != nil {
			return nil, err
		}
		runNode.AddChild(outcome.Node)
		report.Outcomes = append(report.Outcomes, outcome)
	}

	root.AddChild(runNode)
	if err := root.Save(report.StatusPath); err != nil {
		return nil, err
	}
	if err := root.SaveHTML(report.HTMLPath); err != nil {
		return nil, err
	}

	log.Info("run finished",
		"checks", len(report.Outcomes),
		"status", runNode.Aggregate(),
		"aggregate", report.Aggregate())
	return report, nil
}

// loadRoot reads the existing root status file. A missing file starts a
// fresh root; any other failure is returned.
func loadRoot(path string) (*result.Node, error) {
	root, err := result.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return result.New(RootName, result.StatusOK, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading root status: %w", err)
	}
	return root, nil
}

func (r *Runner) runCheck(ctx context.Context, api string, c checks.Check) (CheckOutcome, error) {
	log := r.opts.Logger
	base := c.BaseName()
	outDir := filepath.Join(r.opts.ImagesDir, base)
	wsDir := filepath.Join(r.opts.WorkspaceDir, base)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return CheckOutcome{}, fmt.Errorf("creating output dir for %s: %w", base, err)
	}
	if err := os.MkdirAll(r.opts.WorkspaceDir, 0755); err != nil {
		return CheckOutcome{}, fmt.Errorf("creating workspace root: %w", err)
	}

	// A status file left by an earlier run must not stand in for this one.
	childStatus := filepath.Join(outDir, statusFile)
	if err := os.Remove(childStatus); err != nil && !errors.Is(err, os.ErrNotExist) {
		return CheckOutcome{}, fmt.Errorf("removing stale status for %s: %w", base, err)
	}

	args := []string{
		"-w", wsDir,
		"-a", api,
		"-b", c.ApplPackage(),
		"-c", c.Configs,
		"-o", outDir,
	}
	outcome := CheckOutcome{Check: c, Args: args}

	log.Info("running check", "check", base, "checker", r.opts.Checker)
	out, execErr := r.opts.Executor.Execute(ctx, r.opts.Checker, args)
	outcome.Output = out
	r.echo(out)

	if execErr != nil {
		if ctx.Err() != nil {
			return CheckOutcome{}, fmt.Errorf("run cancelled during %s: %w", base, ctx.Err())
		}
		outcome.Err = execErr
		outcome.Node = failureNode(base, execErr, out)
		log.Error("checker did not run", "check", base, "error", execErr)
		return outcome, nil
	}

	node, err := result.Load(childStatus)
	if err != nil {
		outcome.Err = err
		outcome.Node = failureNode(base, err, out)
		log.Error("checker left no readable status",
			"check", base, "exit_code", out.ExitCode, "error", err)
		return outcome, nil
	}

	node.Name = base
	outcome.Node = node
	log.Info("check finished",
		"check", base,
		"status", node.Aggregate(),
		"exit_code", out.ExitCode,
		"duration", out.Duration)
	return outcome, nil
}

func (r *Runner) echo(out Output) {
	if r.opts.Echo == nil {
		return
	}
	if len(bytes.TrimSpace(out.Stdout)) > 0 {
		fmt.Fprintf(r.opts.Echo, "STDOUT:\n%s\n", bytes.TrimRight(out.Stdout, "\n"))
	}
	if len(bytes.TrimSpace(out.Stderr)) > 0 {
		fmt.Fprintf(r.opts.Echo, "STDERR:\n%s\n", bytes.TrimRight(out.Stderr, "\n"))
	}
}

func failureNode(name string, err error, out Output) *result.Node {
	return result.New(name, result.StatusFail, map[string]string{
		"error":     err.Error(),
		"exit-code": fmt.Sprint(out.ExitCode),
		"stdout":    tail(out.Stdout),
		"stderr":    tail(out.Stderr),
	})
}
