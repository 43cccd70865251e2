package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/gullybot/internal/bot"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/health"
	"github.com/jensholdgaard/gullybot/internal/leader"
	"github.com/jensholdgaard/gullybot/internal/league"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/schedule"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/gullybot/internal/store/memory"
	_ "github.com/jensholdgaard/gullybot/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	leagueCfg, err := league.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("building league config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// The health server runs on all replicas.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	a := &auctioneer{
		cfg:       cfg,
		leagueCfg: leagueCfg,
		repos:     repos,
		clk:       clk,
		tp:        tp,
		logger:    logger,
		health:    healthHandler,
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		client, err := leader.InClusterClient()
		if err != nil {
			return fmt.Errorf("leader election client: %w", err)
		}
		elector, err := leader.New(client, cfg.LeaderElection, logger)
		if err != nil {
			return err
		}
		healthHandler.SetReady(true)

		// A lost term sends this replica back to standby; it keeps serving
		// health and campaigns again.
		if leaderErr := elector.Run(ctx, leader.Callbacks{
			OnStarted: func(ctx context.Context) {
				if serveErr := a.serve(ctx); serveErr != nil {
					logger.ErrorContext(ctx, "auctioneer failed", slog.Any("error", serveErr))
					cancel()
				}
			},
			OnStopped: func() {
				logger.Info("leadership ended, on standby")
			},
			OnNewLeader: healthHandler.SetLeader,
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else if err := a.serve(ctx); err != nil {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// auctioneer is the work only the leader runs: live sessions, transfer
// timers, the calendar and the Discord bot.
type auctioneer struct {
	cfg       *config.Config
	leagueCfg league.Config
	repos     *store.Repositories
	clk       clock.Clock
	tp        *telemetry.Provider
	logger    *slog.Logger
	health    *health.Handler
}

// serve blocks until ctx is done.
func (a *auctioneer) serve(ctx context.Context) error {
	session, err := bot.NewSession(a.cfg.Discord)
	if err != nil {
		return err
	}

	var notifier notify.Dispatcher = notify.Log{Logger: a.logger}
	if a.cfg.Discord.NoticeChannel != "" {
		dn := bot.NewNotifier(session, a.cfg.Discord.NoticeChannel, a.repos.Participants, a.logger)
		defer dn.Close()
		notifier = notify.Fanout{notifier, dn}
	}

	reg := league.NewRegistry(a.leagueCfg, league.Deps{
		Repos:          a.repos,
		Notifier:       notifier,
		Clock:          a.clk,
		Logger:         a.logger,
		TracerProvider: a.tp.TracerProvider,
		MeterProvider:  a.tp.MeterProvider,
	})
	defer reg.Close()

	// Recover in-flight listings so bidding survives leader failover.
	if err := reg.OpenAll(ctx); err != nil {
		return fmt.Errorf("recovering gullies: %w", err)
	}
	a.logger.InfoContext(ctx, "recovered gullies", slog.Int("count", len(reg.Gullies())))

	sched, err := schedule.New(ctx, a.cfg.Schedule, schedule.Actions{
		OpenTransferWindows:  reg.OpenTransferWindows,
		CloseTransferWindows: reg.CloseTransferWindows,
		CloseSubmissions:     reg.AutoAssignAll,
	}, a.logger, a.tp.TracerProvider)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		if shutdownErr := sched.Shutdown(); shutdownErr != nil {
			a.logger.Error("scheduler shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	discordBot := bot.New(session, a.cfg.Discord, reg, a.cfg.Auction.DefaultBudget, a.logger, a.tp.TracerProvider)
	if err := discordBot.Start(ctx); err != nil {
		return fmt.Errorf("starting bot: %w", err)
	}

	a.health.AddChecker(health.Checker{Name: "discord", Check: discordBot.Healthy})
	a.health.SetRole(health.RoleLeader)
	a.health.SetReady(true)
	a.logger.InfoContext(ctx, "gullybot is running", slog.String("version", version))

	<-ctx.Done()
	a.logger.Info("shutting down...")

	a.health.RemoveChecker("discord")
	a.health.SetRole(health.RoleStandby)
	if !a.cfg.LeaderElection.Enabled {
		a.health.SetReady(false)
	}
	if stopErr := discordBot.Stop(); stopErr != nil {
		a.logger.Error("bot shutdown error", slog.Any("error", stopErr))
	}
	return nil
}
