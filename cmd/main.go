package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subwatch/internal/config"
	"subwatch/internal/database"
	"subwatch/internal/reddit"
	"subwatch/internal/runner"
	"subwatch/internal/scanner"
	"subwatch/internal/scheduler"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("Run failed",
			"error", err)

		os.Exit(1)
	}
}

// redditSource adapts the concrete client to the scanner's Source
// interface.
type redditSource struct {
	client *reddit.Client
}

func (s redditSource) NewPosts(feedID string, limit int) scanner.PostIterator {
	return s.client.NewPosts(feedID, limit)
}

func run(log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "Config is loaded",
		"configPath", cfg.Flags.ConfigPath,
		"feedCount", len(cfg.Parameters.Subreddits),
		"blacklistCount", len(cfg.Parameters.Blacklist))

	db, err := database.New(ctx, cfg.Flags.DBPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", closeErr,
				"dbPath", cfg.Flags.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.Flags.DBPath)

	client, err := reddit.New(ctx, reddit.Credentials{
		ClientID:     cfg.Credentials.ClientID,
		ClientSecret: cfg.Credentials.ClientSecret,
		Username:     cfg.Credentials.Username,
		Password:     cfg.Credentials.Password,
		UserAgent:    cfg.Credentials.UserAgent,
	})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "Platform client is initialized",
		"username", cfg.Credentials.Username)

	r := runner.New(db, redditSource{client: client}, client, cfg, time.Now, log)

	if !cfg.Flags.Watch {
		return r.Run(ctx)
	}

	sched := scheduler.New(ctx, cfg.Parameters.Schedule, r, log)
	if err = sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()
	log.InfoContext(ctx, "Scheduler is started",
		"spec", cfg.Parameters.Schedule)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())
	cancel()

	return nil
}
