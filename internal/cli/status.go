package cli

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/backcompat/internal/result"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	HTML string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [status.json]",
		Short: "Show a result tree",
		Long: `Load a status file and print its tree with aggregate statuses.

Without an argument the root status file in the images directory is shown.
Exit status is 1 if the aggregate status is FAIL.

Example:
  backcompat status
  backcompat status images/backwards-check-8c88dda92b@master/status.json --html out.html`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HTML, "html", "", "also render the tree to this HTML file")

	return cmd
}

func runStatus(opts *StatusOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := opts.loadConfig()
		if err != nil {
			return outputCommandError(formatter, ErrCodeConfig, err)
		}
		path = filepath.Join(cfg.ImagesDir, "status.json")
	}

	root, err := result.Load(path)
	if err != nil {
		code := ErrCodeParse
		if errors.Is(err, fs.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return outputCommandError(formatter, code, WrapExitError(ExitCommandError, "failed to load status", err))
	}

	if opts.HTML != "" {
		if err := root.SaveHTML(opts.HTML); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, WrapExitError(ExitCommandError, "failed to write HTML", err))
		}
		formatter.VerboseLog("Wrote %s", opts.HTML)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(summarize(root)); err != nil {
			return err
		}
	} else {
		printTree(formatter.Writer, root)
		counts := root.Count()
		formatter.VerboseLog("%d nodes, %d failed", counts.Total, counts.Failed)
	}

	if !root.Aggregate().OK() {
		return NewExitError(ExitFailure, "aggregate status is FAIL")
	}
	return nil
}
