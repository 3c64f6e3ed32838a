// relayd is the relay daemon: maildir-backed message bus, agent runtime
// bridge, pulse scheduler, channel adapters and the HTTP surface, wired
// from one configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/access"
	"github.com/relayio/relay/pkg/adapter"
	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/backpressure"
	"github.com/relayio/relay/pkg/breaker"
	"github.com/relayio/relay/pkg/config"
	"github.com/relayio/relay/pkg/console"
	"github.com/relayio/relay/pkg/endpoint"
	"github.com/relayio/relay/pkg/index"
	"github.com/relayio/relay/pkg/logging"
	"github.com/relayio/relay/pkg/maildir"
	obsprom "github.com/relayio/relay/pkg/observability/prometheus"
	"github.com/relayio/relay/pkg/pulse"
	"github.com/relayio/relay/pkg/ratelimit"
	"github.com/relayio/relay/pkg/receiver"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/signal"
	"github.com/relayio/relay/pkg/subscription"
	"github.com/relayio/relay/pkg/trace"
	"github.com/relayio/relay/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to relay.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	config.SetRelayEnabled(cfg.Enabled)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relayd failed")
	}
}

// daemon is the fully wired process. Everything except the HTTP listener is
// running when buildDaemon returns.
type daemon struct {
	core      *relay.Core
	console   *console.Console
	receiver  *receiver.Receiver
	scheduler *pulse.Scheduler
	adapters  *adapter.Manager
	runs      *pulse.Store
	server    *web.Server

	closers []func()
}

// Close tears the daemon down in reverse construction order. Idempotent.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// buildDaemon assembles every component from the configuration. The HTTP
// server is constructed but not started; run and the tests decide whether
// to listen.
func buildDaemon(cfg config.Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{}
	built := false
	defer func() {
		if !built {
			d.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := maildir.New(filepath.Join(cfg.DataDir, "mailboxes"))
	if err != nil {
		return nil, fmt.Errorf("maildir: %w", err)
	}
	idx, err := index.Open(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	d.closers = append(d.closers, func() { _ = idx.Close() })
	traces, err := trace.Open(filepath.Join(cfg.DataDir, "traces.db"))
	if err != nil {
		return nil, fmt.Errorf("traces: %w", err)
	}
	d.closers = append(d.closers, func() { _ = traces.Close() })
	acl, err := access.New(filepath.Join(cfg.DataDir, "access-rules.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("access rules: %w", err)
	}
	d.closers = append(d.closers, func() { _ = acl.Close() })
	runs, err := pulse.OpenStore(filepath.Join(cfg.DataDir, "pulse.db"))
	if err != nil {
		return nil, fmt.Errorf("pulse store: %w", err)
	}
	d.closers = append(d.closers, func() { _ = runs.Close() })
	d.runs = runs

	metrics := obsprom.GetMetrics()

	core, err := relay.New(relay.Deps{
		Maildir:       store,
		Index:         idx,
		Traces:        traces,
		Endpoints:     endpoint.NewRegistry(store),
		Subscriptions: subscription.NewRegistry(filepath.Join(cfg.DataDir, "subscriptions.json")),
		Access:        acl,
		RateLimiter:   ratelimit.New(cfg.RateLimit, idx),
		Breakers:      breaker.New(cfg.Breaker),
		Backpressure:  backpressure.New(cfg.Backpressure),
		Logger:        logger,
		Observer:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("relay core: %w", err)
	}
	d.closers = append(d.closers, func() { _ = core.Close() })
	d.core = core

	runtime, err := agentrt.NewCLI(cfg.Agent.Command)
	if err != nil {
		return nil, fmt.Errorf("agent runtime: %w", err)
	}

	signals := signal.NewEmitter()

	rec, err := receiver.New(receiver.Deps{Core: core, Runtime: runtime, Runs: runs, Signals: signals, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	if err := rec.Start(); err != nil {
		return nil, fmt.Errorf("receiver start: %w", err)
	}
	d.closers = append(d.closers, rec.Stop)
	d.receiver = rec

	sched, err := pulse.NewScheduler(pulse.Config{
		MaxConcurrentRuns: cfg.Pulse.MaxConcurrentRuns,
		RetainRuns:        cfg.Pulse.RetainRuns,
		RelayMode:         config.RelayEnabled(),
		DrainTimeout:      cfg.Pulse.DrainTimeout,
	}, runs, core, runtime, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return nil, fmt.Errorf("scheduler start: %w", err)
	}
	d.closers = append(d.closers, sched.Stop)
	d.scheduler = sched

	con, err := console.New(console.Deps{
		Core:    core,
		Runtime: runtime,
		Signals: signals,
		Enabled: config.RelayEnabled,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	d.closers = append(d.closers, con.Close)
	d.console = con

	adapters, err := buildAdapters(cfg, core, logger)
	if err != nil {
		return nil, err
	}
	adapters.StartAll()
	d.closers = append(d.closers, adapters.StopAll)
	d.adapters = adapters

	srv, err := web.New(web.Config{Addr: cfg.HTTP.Addr}, web.Deps{
		Core:     core,
		Console:  con,
		Adapters: adapters,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}
	d.server = srv

	built = true
	return d, nil
}

func run(cfg config.Config, logger zerolog.Logger) error {
	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Start() }()

	stop := make(chan os.Signal, 1)
	ossignal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

func buildAdapters(cfg config.Config, core *relay.Core, logger zerolog.Logger) (*adapter.Manager, error) {
	mgr := adapter.NewManager(core, filepath.Join(cfg.DataDir, "adapters.json"), logger)

	if cfg.Telegram.Enabled {
		tg, err := adapter.NewTelegram(adapter.TelegramConfig{
			Token:         cfg.Telegram.Token,
			SubjectPrefix: cfg.Telegram.SubjectPrefix,
			PollTimeout:   cfg.Telegram.PollTimeout,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		if err := mgr.Register(tg); err != nil {
			return nil, err
		}
	}

	for _, whCfg := range cfg.Webhooks {
		wh, err := adapter.NewWebhook(adapter.WebhookConfig{
			ID:            whCfg.ID,
			URL:           whCfg.URL,
			SubjectPrefix: whCfg.SubjectPrefix,
			Secret:        whCfg.Secret,
			TimeoutMs:     whCfg.TimeoutMs,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook adapter %s: %w", whCfg.ID, err)
		}
		if err := mgr.Register(wh); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}
