// Command authcore runs the medical authorization case service: the
// case state machine, rules engine, analysis orchestrator and outbox
// dispatcher behind a JSON/HTTP surface.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline-health/authcore/pkg/analysis"
	"github.com/clearline-health/authcore/pkg/api"
	"github.com/clearline-health/authcore/pkg/audit"
	"github.com/clearline-health/authcore/pkg/config"
	"github.com/clearline-health/authcore/pkg/dispatch"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/observability"
	"github.com/clearline-health/authcore/pkg/orchestrator"
	"github.com/clearline-health/authcore/pkg/rules"
	"github.com/clearline-health/authcore/pkg/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("authcore: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.SetupLogger(cfg.LogLevel)

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		var err error
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		logger.Info("profile loaded", "path", cfg.ProfilePath, "name", profile.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", "url", cfg.DatabaseURL)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "authcore",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	writer := audit.NewWriter()
	machine := lifecycle.NewMachine(st, writer)

	engine, err := rules.NewEngine(machine, st, ruleSet(profile), thresholds(profile))
	if err != nil {
		return err
	}

	client, err := analysis.NewHTTPClient(analysis.HTTPClientConfig{
		BaseURL:          cfg.AnalysisServiceURL,
		RequestTimeout:   profile.Analysis.NormalDeadline.Std(),
		RatePerSecond:    profile.Analysis.RatePerSecond,
		BreakerThreshold: profile.Analysis.BreakerThreshold,
		BreakerReset:     profile.Analysis.BreakerReset.Std(),
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, writer, client, machine, orchestrator.Config{
		NormalDeadline: profile.Analysis.NormalDeadline.Std(),
		HighDeadline:   profile.Analysis.HighDeadline.Std(),
		MaxRetries:     profile.Analysis.MaxRetries,
		BackoffBase:    profile.Analysis.BackoffBase.Std(),
		BackoffFactor:  2,
		JitterFraction: 0.2,
		FraudThreshold: profile.Thresholds.FraudRisk,
	})

	var publisher dispatch.Publisher = dispatch.NewNoopPublisher()
	if cfg.RedisAddr != "" {
		redisPub := dispatch.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.EventStream)
		defer redisPub.Close()
		publisher = redisPub
		logger.Info("redis dispatcher configured", "addr", cfg.RedisAddr, "stream", cfg.EventStream)
	}
	processor := dispatch.NewProcessor(st, publisher, dispatch.ProcessorConfig{
		BatchSize:      profile.Outbox.BatchSize,
		PollInterval:   profile.Outbox.PollInterval.Std(),
		MaxAttempts:    profile.Outbox.MaxAttempts,
		InitialBackoff: profile.Outbox.InitialBackoff.Std(),
	})
	go processor.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(machine, engine, orch, obs).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// openStore picks the backend from the URL scheme: postgres:// for
// lib/pq, anything else is treated as a SQLite path (with an optional
// sqlite:// prefix).
func openStore(ctx context.Context, url string) (store.TxStore, func(), error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		st, err := store.OpenPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	dsn := strings.TrimPrefix(url, "sqlite://")
	st, err := store.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func ruleSet(p *config.Profile) []rules.Rule {
	if len(p.Rules) == 0 {
		return rules.DefaultRules()
	}
	out := make([]rules.Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		out = append(out, rules.Rule{Name: r.Name, Expr: r.Expr})
	}
	return out
}

func thresholds(p *config.Profile) rules.Thresholds {
	th := rules.DefaultThresholds()
	th.FraudRisk = p.Thresholds.FraudRisk
	th.MinJustificationLen = p.Thresholds.MinJustificationLen
	if ceiling, err := decimal.NewFromString(p.Thresholds.ValueCeiling); err == nil {
		th.ValueCeiling = ceiling
	} else {
		os.Stderr.WriteString("authcore: invalid value_ceiling in profile, keeping default\n")
	}
	return th
}
