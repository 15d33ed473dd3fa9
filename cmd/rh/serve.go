package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/api"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/schedule"
	"github.com/zulandar/roundhouse/internal/telegraph"
	discordadapter "github.com/zulandar/roundhouse/internal/telegraph/discord"
	slackadapter "github.com/zulandar/roundhouse/internal/telegraph/slack"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Roundhouse daemon",
		Long: "Starts the orchestrator with the configured front-ends: the chat bridge " +
			"(Slack or Discord), the HTTP API and scheduled subtasks. Stops on SIGINT or SIGTERM " +
			"and kills every worker process before exiting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, flags)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, flags *globalFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.Telegraph.Platform == "" && !cfg.API.Enabled {
		return fmt.Errorf("serve: nothing to serve (configure telegraph.platform or enable api)")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	out := cmd.OutOrStdout()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telegraph.Platform != "" {
		adapter, err := createAdapter(cfg, logger)
		if err != nil {
			return err
		}
		daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
			Adapter:       adapter,
			Handler:       a.orch,
			CommandPrefix: cfg.CommandPrefix,
			Logger:        logger.Named("telegraph"),
		})
		if err != nil {
			return err
		}
		a.orch.OnSubtaskDone(daemon.DeliverSubtask)
		fmt.Fprintf(out, "Telegraph connecting to %s\n", cfg.Telegraph.Platform)
		g.Go(func() error { return daemon.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return api.Start(gctx, api.StartOpts{
				Orchestrator: a.orch,
				Port:         cfg.API.Port,
				Out:          out,
				Logger:       logger.Named("api"),
			})
		})
	}

	if len(cfg.Schedules) > 0 {
		sched, err := schedule.New(schedule.Opts{
			Spawner: a.orch,
			Jobs:    schedule.JobsFromConfig(cfg.Schedules),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}

	logger.Info("roundhouse serving",
		zap.String("workspace", cfg.Workspace),
		zap.String("storage", cfg.Storage.Driver))
	fmt.Fprintf(out, "Roundhouse %s serving (workspace %s)\n", Version, cfg.Workspace)

	err = g.Wait()
	fmt.Fprintln(out, "Roundhouse stopped")
	return err
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config, logger *zap.Logger) (telegraph.Adapter, error) {
	switch cfg.Telegraph.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Telegraph.Slack.AppToken,
			BotToken:  cfg.Telegraph.Slack.BotToken,
			ChannelID: cfg.Telegraph.Channel,
			Logger:    logger,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Telegraph.Discord.BotToken,
			ChannelID: cfg.Telegraph.Channel,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Telegraph.Platform)
	}
}
