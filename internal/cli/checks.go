package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/backcompat/internal/checks"
)

// ChecksOptions holds flags for the checks command.
type ChecksOptions struct {
	*RootOptions
	ChecksFile string
	All        bool
}

// NewChecksCommand creates the checks command.
func NewChecksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChecksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checks",
		Short: "List the check table",
		Long: `List the entries of the check table in run order.

Retired entries stay in the table, disabled with a reason; --all shows them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListChecks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ChecksFile, "checks", "", "check table, .yaml or .cue (overrides checks_file)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include disabled entries")

	return cmd
}

// ChecksListing is the JSON payload of the checks command.
type ChecksListing struct {
	Source  string         `json:"source"`
	Enabled int            `json:"enabled"`
	Checks  []checks.Check `json:"checks"`
}

func runListChecks(opts *ChecksOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	path := opts.ChecksFile
	if !cmd.Flags().Changed("checks") {
		cfg, err := opts.loadConfig()
		if err != nil {
			return outputCommandError(formatter, ErrCodeConfig, err)
		}
		path = cfg.ChecksFile
	}

	table := checks.Default()
	source := "built-in"
	if path != "" {
		var err error
		table, err = checks.Load(path)
		if err != nil {
			return outputCommandError(formatter, ErrCodeConfig,
				WrapExitError(ExitCommandError, "failed to load check table", err))
		}
		source = path
	}

	enabled := table.Enabled()
	listing := ChecksListing{Source: source, Enabled: len(enabled), Checks: enabled}
	if opts.All {
		listing.Checks = table.Resolved()
	}
	if listing.Checks == nil {
		listing.Checks = []checks.Check{}
	}

	if formatter.Format == "json" {
		return formatter.Success(listing)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Check table: %s (%d of %d enabled)\n\n", source, len(enabled), len(table.Checks))
	for _, c := range listing.Checks {
		if c.Disabled {
			fmt.Fprintf(w, "  - %s  disabled: %s\n", c.BaseName(), c.Reason)
			continue
		}
		fmt.Fprintf(w, "  + %s  configs=%s\n", c.BaseName(), c.Configs)
	}
	return nil
}
