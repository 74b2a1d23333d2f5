package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/backcompat/internal/clock"
	"github.com/roach88/backcompat/internal/config"
	"github.com/roach88/backcompat/internal/dut"
	"github.com/roach88/backcompat/internal/dut/dutsim"
	"github.com/roach88/backcompat/internal/ppstest"
	"github.com/roach88/backcompat/internal/result"
	"github.com/roach88/backcompat/internal/store"
)

// PPSOptions holds flags for the pps command.
type PPSOptions struct {
	*RootOptions
	URL      string
	Pin      uint32
	Looped   bool
	OutDir   string
	Database string

	Simulate bool
	Family   string
	Fault    string
}

// NewPPSCommand creates the pps command.
func NewPPSCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PPSOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pps",
		Short: "Run the external clock 1PPS test against a device",
		Long: `Run the external clock 1PPS test.

The device's 1PPS output must be looped back to the external IO pin. For each
of the three clock domains the test checks that the saved time of day only
advances while the output is enabled and that the domain's time of day
follows. The device configuration is restored afterwards.

--simulate runs against a simulated device on a simulated clock.

Example:
  backcompat pps --url ws://10.10.0.5/json_rpc --looped
  backcompat pps --simulate --family jaguar2 --out pps-results`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPPS(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "device JSON-RPC WebSocket URL (overrides dut.url)")
	cmd.Flags().Uint32Var(&opts.Pin, "pin", ppstest.DefaultPin, "external IO pin (overrides dut.external_io_pin)")
	cmd.Flags().BoolVar(&opts.Looped, "looped", false, "1PPS output is looped to the pin (overrides dut.external_clock_looped)")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "write status.json and status.html to this directory")
	cmd.Flags().StringVar(&opts.Database, "db", "", "history database (overrides history_db)")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "run against a simulated device")
	cmd.Flags().StringVar(&opts.Family, "family", "sparx5", "simulated chip family")
	cmd.Flags().StringVar(&opts.Fault, "fault", "none", "simulated fault (none|stale-saved|free-running-saved|adjtimer-ongoing)")

	return cmd
}

// PPSSummary is the JSON payload of the pps command.
type PPSSummary struct {
	treeSummary
	Failures []string `json:"failures"`
	RunID    string   `json:"run_id,omitempty"`
}

func runPPS(opts *PPSOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd)
	ctx := commandContext(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return outputCommandError(formatter, ErrCodeConfig, err)
	}
	opts.apply(cmd, cfg)

	env, setup, closeEnv, err := opts.connect(ctx, cfg, logger)
	if err != nil {
		return outputCommandError(formatter, ErrCodeDevice, err)
	}
	defer closeEnv()

	started := time.Now()
	root, runErr := ppstest.Run(ctx, env, setup)
	finished := time.Now()

	if opts.OutDir != "" {
		if err := saveTree(root, opts.OutDir); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, WrapExitError(ExitCommandError, "failed to write results", err))
		}
		formatter.VerboseLog("Wrote results to %s", opts.OutDir)
	}

	summary := PPSSummary{treeSummary: summarize(root), Failures: ppstest.Failures(root)}
	if summary.Failures == nil {
		summary.Failures = []string{}
	}

	var historyErr error
	if cfg.HistoryDB != "" {
		summary.RunID, historyErr = recordPPSRun(ctx, cfg.HistoryDB, root, started, finished, logger)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		printTree(formatter.Writer, root)
		for _, f := range summary.Failures {
			fmt.Fprintf(formatter.Writer, "\n%s\n", f)
		}
		fmt.Fprintf(formatter.Writer, "\nAggregate: %s\n", summary.Aggregate)
		if summary.RunID != "" {
			fmt.Fprintf(formatter.Writer, "Run: %s\n", summary.RunID)
		}
	}

	switch {
	case runErr != nil:
		return WrapExitError(ExitCommandError, "1PPS test did not complete", runErr)
	case historyErr != nil:
		return WrapExitError(ExitCommandError, "failed to record run history", historyErr)
	case !root.Aggregate().OK():
		return NewExitError(ExitFailure, "1PPS test failed")
	}
	return nil
}

// apply lets explicitly set flags override the config.
func (o *PPSOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.DUT.URL = o.URL
	}
	if flags.Changed("pin") {
		cfg.DUT.ExternalIOPin = o.Pin
	}
	if flags.Changed("looped") {
		cfg.DUT.ExternalClockLooped = o.Looped
	}
	if flags.Changed("db") {
		cfg.HistoryDB = o.Database
	}
}

// connect builds the test environment. The returned func releases it.
func (o *PPSOptions) connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ppstest.Env, ppstest.Setup, func(), error) {
	setup := ppstest.Setup{
		ExternalIOPin:       cfg.DUT.ExternalIOPin,
		ExternalClockLooped: cfg.DUT.ExternalClockLooped,
		ExecSlack:           cfg.DUT.ExecSlack,
	}

	if o.Simulate {
		family, err := dut.ParseChipFamily(o.Family)
		if err != nil {
			return ppstest.Env{}, setup, nil, NewExitError(ExitCommandError, err.Error())
		}
		fault, err := dutsim.ParseFault(o.Fault)
		if err != nil {
			return ppstest.Env{}, setup, nil, NewExitError(ExitCommandError, err.Error())
		}
		clk := clock.NewManual()
		sim := dutsim.New(dutsim.Options{Family: family, Clock: clk, Fault: fault})

		// The simulator is looped and answers instantly.
		setup.ExternalClockLooped = true
		setup.ExecSlack = 0

		logger.Info("using simulated device", "family", family, "fault", o.Fault)
		env := ppstest.Env{Device: dut.NewDevice(sim), Shell: sim, Clock: clk, Logger: logger}
		return env, setup, func() {}, nil
	}

	if cfg.DUT.URL == "" {
		return ppstest.Env{}, setup, nil, NewExitError(ExitCommandError, "no device: set dut.url, pass --url or use --simulate")
	}

	client, err := dut.Dial(ctx, cfg.DUT.URL, nil)
	if err != nil {
		return ppstest.Env{}, setup, nil, WrapExitError(ExitCommandError, "failed to connect to device", err)
	}
	env := ppstest.Env{Device: dut.NewDevice(client), Clock: clock.Real{}, Logger: logger}
	closers := []func() error{client.Close}

	if cfg.DUT.SSHAddr != "" {
		shell, err := dut.DialSSH(ctx, cfg.DUT.SSHAddr, cfg.DUT.SSHUser, cfg.DUT.SSHPassword)
		if err != nil {
			client.Close()
			return ppstest.Env{}, setup, nil, WrapExitError(ExitCommandError, "failed to open device shell", err)
		}
		env.Shell = shell
		closers = append(closers, shell.Close)
	} else {
		logger.Warn("no dut.ssh_addr configured, port polling stays enabled")
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Debug("error closing device connection", "error", err)
			}
		}
	}
	return env, setup, closeAll, nil
}

func saveTree(root *result.Node, dir string) error {
	if err := root.Save(filepath.Join(dir, "status.json")); err != nil {
		return err
	}
	return root.SaveHTML(filepath.Join(dir, "status.html"))
}

func recordPPSRun(ctx context.Context, path string, root *result.Node, started, finished time.Time, logger *slog.Logger) (string, error) {
	st, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing history database", "error", closeErr)
		}
	}()

	run, err := store.NewRun(store.KindPPS, started, finished, "", root)
	if err != nil {
		return "", err
	}
	if err := st.WriteRun(context.WithoutCancel(ctx), run, nil); err != nil {
		return "", err
	}
	logger.Info("run recorded", "id", run.ID, "db", path)
	return run.ID, nil
}
