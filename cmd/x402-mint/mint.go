package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/config"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/metrics"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/mintclient"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/notify"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/report"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/runner"
)

// mintOnce performs one full run and writes its report. Account failures are
// logged and reported, never returned as errors.
func mintOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger, recorder *metrics.Recorder) error {
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return err
	}

	client := mintclient.New(mintclient.Config{
		RateLimit: cfg.Mint.RateLimit,
		UserAgent: "x402-mint/" + version,
	})
	observer := runner.Observers(runner.NewLogObserver(log), recorder)
	orch := orchestrator.New(runner.New(client, observer), orchestrator.Config{
		MaxDuration:     cfg.Run.MaxDuration.D(),
		Logger:          &log,
		Observer:        observer,
		OnActiveChanged: recorder.SetActive,
	})

	r, err := orch.RunAll(ctx, accounts, cfg.Endpoint(), cfg.Policy(), cfg.Run.MaxConcurrency)
	if err != nil {
		return err
	}

	path, err := report.WriteJSON(cfg.Run.OutputDir, r)
	if err != nil {
		// the run itself completed; keep going so the summary is still logged
		log.Error().Err(err).Msg("failed to write results file")
	} else {
		log.Info().Str("path", path).Msg("results written")
	}

	for _, f := range report.Failures(r) {
		log.Warn().
			Str("account", f.Account.Label).
			Str("status", string(f.Status)).
			Str("kind", string(f.Kind)).
			Int("attempts", len(f.Attempts)).
			Str("error", f.Error).
			Msg("account did not mint")
	}
	fmt.Printf("Accounts: %d total | %d success | %d failed | %d exhausted\n",
		r.Summary.Total, r.Summary.Success, r.Summary.Failed, r.Summary.Exhausted)

	sendSummary(ctx, cfg, log, r, path)
	return nil
}

func sendSummary(ctx context.Context, cfg *config.Config, log zerolog.Logger, r *domain.RunReport, path string) {
	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewMultiNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	// a cancelled run still reports its summary
	if err := notifier.Send(context.WithoutCancel(ctx), notify.RunSummary(r, path)); err != nil {
		log.Warn().Err(err).Msg("failed to send run notification")
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder, log zerolog.Logger) {
	if cfg.Metrics.Port == 0 {
		return
	}
	go func() {
		log.Info().Int("port", cfg.Metrics.Port).Msg("serving metrics")
		if err := recorder.Serve(ctx, cfg.Metrics.Port); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
