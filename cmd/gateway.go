package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/crispclaw/internal/agent"
	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/channels"
	"github.com/nextlevelbuilder/crispclaw/internal/channels/crisp"
	"github.com/nextlevelbuilder/crispclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/crispclaw/internal/config"
	"github.com/nextlevelbuilder/crispclaw/internal/gateway"
	"github.com/nextlevelbuilder/crispclaw/internal/telemetry"
	"github.com/nextlevelbuilder/crispclaw/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if len(cfg.AccountList()) == 0 {
		slog.Error("no crisp accounts configured; run `crispclaw onboard` first")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	msgBus := bus.New()
	channelMgr := channels.NewManager()

	dispatcher := agent.NewBusDispatcher(msgBus, 0)
	dispatcher.SetForward(channelMgr.Send)

	tracker := crisp.NewTracker(
		time.Duration(cfg.Sessions.TTLHours)*time.Hour,
		cfg.Sessions.SweepThreshold,
	)
	pending := crisp.NewPendingStore(time.Duration(cfg.Approval.TTLMinutes) * time.Minute)

	router, err := crisp.NewRouter(crisp.RouterDeps{
		Config:     cfg,
		Tracker:    tracker,
		Pending:    pending,
		Dispatcher: dispatcher,
		Events:     msgBus,
	})
	if err != nil {
		slog.Error("crisp router init failed", "error", err)
		os.Exit(1)
	}

	// The Telegram approval bot is optional; without it, approval tickets
	// surface as bus events on the WebSocket stream.
	tgCfg := cfg.TelegramSnapshot()
	if tgCfg.Enabled {
		approvalBot, botErr := telegram.New(tgCfg, msgBus, router)
		if botErr != nil {
			slog.Error("telegram bot init failed", "error", botErr)
			os.Exit(1)
		}
		router.SetNotifier(approvalBot)
		channelMgr.RegisterChannel("telegram", approvalBot)
	}

	crispChannel := crisp.NewChannel(router, msgBus)
	channelMgr.RegisterChannel("crisp", crispChannel)

	server := gateway.NewServer(cfg, msgBus, msgBus)
	server.RegisterWebhook(router.HandleWebhook)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := channelMgr.StopAll(stopCtx); err != nil {
			slog.Warn("channel shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("crispclaw gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"accounts", len(cfg.AccountList()),
		"telegram", tgCfg.Enabled,
	)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		return server.Start(runCtx)
	})
	g.Go(func() error {
		// Watch blocks until ctx is done; a watcher setup failure only
		// disables hot reload, it never takes the gateway down.
		if err := config.Watch(runCtx, cfgPath, cfg); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
