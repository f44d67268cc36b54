package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/config"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/logging"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/metrics"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/report"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/schedule"
)

var (
	scheduleCron    string
	scheduleMaxRuns int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Mint once with every configured account",
		RunE:  runMint,
	}
	rootCmd.AddCommand(runCmd)

	// validate command
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and list resolved accounts",
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Repeat runs on a cron schedule until interrupted",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression, overrides schedule.cron")
	scheduleCmd.Flags().IntVar(&scheduleMaxRuns, "max-runs", 0, "stop after this many runs (0 = unlimited)")
	rootCmd.AddCommand(scheduleCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show REPORT",
		Short: "Summarize a results file",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "x402-mint", version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves, overrides and validates the configuration.
// Every error it returns stops the process before any task is dispatched.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("output-dir") {
		cfg.Run.OutputDir = config.ExpandPath(outputDir)
	}
	if cmd.Flags().Changed("max-concurrency") {
		cfg.Run.MaxConcurrency = maxConcurrency
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMint(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if dryRun {
		return printAccounts(cmd, cfg)
	}

	ctx, cancel := signalContext()
	defer cancel()

	recorder := metrics.NewRecorder()
	startMetrics(ctx, cfg, recorder, log)

	return mintOnce(ctx, cfg, log, recorder)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	expr := cfg.Schedule.Cron
	if scheduleCron != "" {
		expr = scheduleCron
	}
	sched, err := schedule.New(expr, schedule.Config{MaxRuns: scheduleMaxRuns, Logger: &log})
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "next run: %s\n", sched.NextRun().Format("2006-01-02 15:04:05 MST"))
		return printAccounts(cmd, cfg)
	}

	ctx, cancel := signalContext()
	defer cancel()

	recorder := metrics.NewRecorder()
	startMetrics(ctx, cfg, recorder, log)

	sched.Start(ctx, func(ctx context.Context, n int) error {
		// reload so key and endpoint changes apply to the next run
		runCfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return mintOnce(ctx, runCfg, log.With().Int("scheduled_run", n).Logger(), recorder)
	})
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %s\n", cfg.Mint.URL)
	return printAccounts(cmd, cfg)
}

func printAccounts(cmd *cobra.Command, cfg *config.Config) error {
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tACCOUNT\tADDRESS")
	for _, a := range accounts {
		addr := a.Address
		if addr == "" {
			addr = "(invalid key)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.Index, a.Label, addr)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	r, err := report.ReadJSON(args[0])
	if err != nil {
		return err
	}
	return report.WriteSummary(cmd.OutOrStdout(), r)
}
