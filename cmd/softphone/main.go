// Софтфон: SIP агент, реестр сессий и рингтоны за HTTP интерфейсом.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/api"
	"github.com/arzzra/softphone/pkg/config"
	"github.com/arzzra/softphone/pkg/engine/sipua"
	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/notify"
	"github.com/arzzra/softphone/pkg/phone"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (overrides SOFTPHONE_CONFIG)")
		online     = flag.Bool("online", false, "Go online on startup")
		debug      = flag.Bool("debug", false, "Dump SIP messages")
	)
	flag.Parse()

	if *configPath != "" {
		os.Setenv(config.EnvConfigFile, *configPath)
	}
	if *debug {
		sip.SIPDebug = true
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	if err := run(cfg, *online); err != nil {
		slog.Error("Softphone stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.Log) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Level))
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, online bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var outputs notify.OutputFactory
	if cfg.Tones.Output != "" {
		f, err := os.OpenFile(cfg.Tones.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		outputs = notify.WriterOutputs(f, m)
	} else {
		outputs = notify.WriterOutputs(io.Discard, m)
	}

	p, err := phone.New(phone.Options{
		Factory:           sipua.Factory{},
		TransitionTimeout: cfg.Agent.TransitionTimeout,
		Registry:          cfg.RegistryConfig(),
		Sink:              notify.LogSink{Logger: slog.Default().With("component", "ringtone")},
		PrimaryTone:       cfg.Tones.Primary.Tone("primary"),
		SecondaryTone:     cfg.Tones.Secondary.Tone("secondary"),
		Outputs:           outputs,
		Metrics:           m,
	})
	if err != nil {
		return err
	}

	agentCfg := cfg.AgentConfig()
	if err := p.SetAgentConfig(ctx, &agentCfg); err != nil {
		return err
	}
	if cfg.HasCredentials() {
		creds := cfg.EngineCredentials()
		if err := p.SetCredentials(ctx, &creds); err != nil {
			slog.Warn("Configured credentials rejected", "error", err)
		} else if online {
			if err := p.SetDesiredState(ctx, agent.Online); err != nil {
				slog.Warn("Failed to go online", "error", err)
			}
		}
	}

	unNotices, err := p.SubscribeNotices(ctx, func(n agent.Notice) {
		slog.Warn("Notice", "kind", n.Kind, "message", n.Message)
	})
	if err != nil {
		return err
	}
	defer unNotices()

	srv := &http.Server{
		Addr:        cfg.HTTP.ListenAddr,
		Handler:     api.NewHandler(p, reg).Router(),
		ReadTimeout: 30 * time.Second,
		// без WriteTimeout: /ws держит соединение
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("Server forced to shutdown", "error", shutdownErr)
	}
	if closeErr := p.Close(shutdownCtx); closeErr != nil {
		slog.Error("Phone close failed", "error", closeErr)
	}
	return err
}
