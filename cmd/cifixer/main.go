package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/cifixer/internal/buildtool"
	"git.home.luguber.info/inful/cifixer/internal/cleanup"
	"git.home.luguber.info/inful/cifixer/internal/config"
	"git.home.luguber.info/inful/cifixer/internal/dispatch"
	"git.home.luguber.info/inful/cifixer/internal/events"
	"git.home.luguber.info/inful/cifixer/internal/forge"
	"git.home.luguber.info/inful/cifixer/internal/gitwork"
	"git.home.luguber.info/inful/cifixer/internal/llm"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/mailer"
	"git.home.luguber.info/inful/cifixer/internal/metrics"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/redact"
	"git.home.luguber.info/inful/cifixer/internal/retry"
	"git.home.luguber.info/inful/cifixer/internal/server"
	"git.home.luguber.info/inful/cifixer/internal/stages"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/version"
	"git.home.luguber.info/inful/cifixer/internal/workspace"
)

var CLI struct {
	Config string `short:"c" help:"Configuration file path" default:"cifixer.yaml"`

	Serve struct {
		NoMetrics bool `help:"Disable the Prometheus /metrics endpoint"`
	} `cmd:"" help:"Run the webhook server and fix pipeline"`

	Init struct {
		Force bool `help:"Overwrite an existing configuration file"`
	} `cmd:"" help:"Write a starter configuration file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	var err error
	switch ctx.Command() {
	case "serve":
		err = runServe(CLI.Config, !CLI.Serve.NoMetrics)
	case "init":
		err = runInit(CLI.Config, CLI.Init.Force)
	case "version":
		fmt.Printf("cifixer %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		slog.Error("command failed", logfields.Error(err))
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.Logging.LogLevel()}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(configPath string, enableMetrics bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("starting cifixer",
		slog.String("version", version.Version),
		slog.String("config", configPath))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var registry *prom.Registry
	if enableMetrics {
		registry = prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled {
		natsPublisher, perr := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if perr != nil {
			slog.Warn("event publisher unavailable, continuing without events", logfields.Error(perr))
		} else {
			publisher = natsPublisher
			defer natsPublisher.Close()
		}
	}

	ws := workspace.NewManager(cfg.Workspace.WorkRoot)
	redactor := redact.New(cfg.Secrets()...)

	var sender mailer.Sender
	if cfg.Mail.Enabled {
		sender = mailer.NewSMTPSender(cfg.Mail.Host, cfg.Mail.Port,
			cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.From, cfg.Mail.UseTLS)
	} else {
		sender = discardSender{}
	}

	stageSet := stages.New(stages.Deps{
		Store:     st,
		Workspace: ws,
		Git:       gitwork.NewClient(cfg.Forge.Token),
		Generator: llm.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Model,
			cfg.LLM.MaxTokens, cfg.LLM.Timeout()),
		Compiler: buildtool.NewRunner(10 * time.Minute),
		Forge: func(scm forge.SCM) (forge.Client, error) {
			return forge.NewClient(scm, cfg.Forge.BaseURL, cfg.Forge.Token)
		},
		Mailer:     sender,
		Redactor:   redactor,
		Recipients: cfg.Mail.Recipients,
	})
	handlers := pipeline.NewRegistry()
	stageSet.RegisterAll(handlers)

	policy := retry.NewPolicy(cfg.Pipeline.RetryBase(), cfg.Pipeline.RetryMax(),
		cfg.Pipeline.RetryJitterFactor, cfg.Pipeline.DefaultMaxAttempts)
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}

	dispatcher, err := dispatch.New(st, handlers, policy, recorder, publisher, dispatch.Options{
		PollInterval:  cfg.Pipeline.TickInterval(),
		LeaseTimeout:  cfg.Pipeline.LeaseTimeout(),
		MaxConcurrent: cfg.Pipeline.MaxConcurrentPerKind,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	sweeper, err := cleanup.NewSweeper(st, ws, cfg.Workspace.Retention(), time.Hour)
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}

	httpServer := server.New(st, cfg, recorder, publisher, registry)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Live log-level changes on config file edits.
	watcher, werr := config.NewWatcher(configPath, func(updated *config.Config) {
		setupLogging(updated)
		slog.Info("logging reconfigured", slog.String("level", updated.Logging.Level))
	})
	if werr != nil {
		slog.Warn("config watcher unavailable", logfields.Error(werr))
	} else {
		go watcher.Run(runCtx)
	}

	if err := dispatcher.Start(runCtx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := sweeper.Start(runCtx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Start() }()

	select {
	case <-runCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", logfields.Error(err))
	}
	if err := sweeper.Stop(); err != nil {
		slog.Warn("sweeper shutdown incomplete", logfields.Error(err))
	}
	if err := dispatcher.Stop(); err != nil {
		slog.Warn("dispatcher shutdown incomplete", logfields.Error(err))
	}
	slog.Info("cifixer stopped")
	return nil
}

// discardSender drops mail when notifications are disabled; the notify stage
// still records that the pipeline finished.
type discardSender struct{}

func (discardSender) Send(msg mailer.Message) error {
	slog.Info("mail disabled, notification discarded", slog.String("subject", msg.Subject))
	return nil
}
