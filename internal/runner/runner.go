// Package runner sequences one full run: reset, blacklist seeding, feed
// scans, notification. Stage order is a contract, not an accident: the
// blacklist seeding stage must commit before the notify stage reads the
// contact table, and every feed scan commits before the next begins.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subwatch/internal/config"
	"subwatch/internal/database"
	"subwatch/internal/notifier"
	"subwatch/internal/scanner"
)

type Runner struct {
	db        *database.Database
	source    scanner.Source
	directory notifier.Directory
	cfg       *config.Config
	now       func() time.Time
	log       *slog.Logger
}

func New(
	db *database.Database,
	source scanner.Source,
	directory notifier.Directory,
	cfg *config.Config,
	now func() time.Time,
	log *slog.Logger,
) *Runner {
	return &Runner{
		db:        db,
		source:    source,
		directory: directory,
		cfg:       cfg,
		now:       now,
		log:       log,
	}
}

// Run executes one full pass. Each stage commits atomically on its own, so
// killing the process between stages loses nothing and killing it
// mid-stage loses only that stage's uncommitted progress; the next run
// redoes it safely.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.resetStage(ctx); err != nil {
		return fmt.Errorf("reset stage: %w", err)
	}

	// The smoke test stops here: resets have applied, nothing else runs.
	if r.cfg.Flags.MessageTest {
		return r.messageTest(ctx)
	}

	if err := r.seedBlacklistStage(ctx); err != nil {
		return fmt.Errorf("blacklist stage: %w", err)
	}

	r.scanStage(ctx)

	if r.cfg.Flags.UpdateOnly {
		r.log.InfoContext(ctx, "Update-only run so the notify stage is skipped")

		return nil
	}

	if err := r.notifyStage(ctx); err != nil {
		return fmt.Errorf("notify stage: %w", err)
	}

	return nil
}

// messageTest sends one message to the operator's own account and stops.
// It is a connectivity smoke test and never reaches the scan or notify
// stages.
func (r *Runner) messageTest(ctx context.Context) error {
	username := r.cfg.Credentials.Username

	r.log.InfoContext(ctx, "Sending a test message to the authenticated account",
		"username", username)

	author, err := r.directory.ResolveUser(ctx, username)
	if err != nil {
		return fmt.Errorf("resolve own account: %w", err)
	}

	if err = r.directory.SendMessage(
		ctx,
		author.Name,
		r.cfg.Parameters.Subject,
		r.cfg.Parameters.Message,
	); err != nil {
		return fmt.Errorf("send test message: %w", err)
	}

	r.log.InfoContext(ctx, "Test message is sent",
		"username", author.Name)

	return nil
}

// resetStage applies the two independent destructive refreshes. Both are
// operator-triggered and neither implies the other.
func (r *Runner) resetStage(ctx context.Context) error {
	if !r.cfg.Flags.Refresh && !r.cfg.Flags.ContactRefresh {
		return nil
	}

	return r.db.WithTx(ctx, func(tx *database.Tx) error {
		if r.cfg.Flags.Refresh {
			r.log.InfoContext(ctx, "Refreshing post archive and candidates")

			if err := tx.ResetPosts(ctx); err != nil {
				return err
			}
		}

		if r.cfg.Flags.ContactRefresh {
			r.log.InfoContext(ctx, "Refreshing contact history")

			if err := tx.ResetContacts(ctx); err != nil {
				return err
			}
		}

		return nil
	})
}

// seedBlacklistStage inserts the configured blocked usernames as
// blacklisted contacts. Already-present usernames are skipped without a
// directory round-trip; a failed resolution is logged and skipped so one
// dead account cannot block the run.
func (r *Runner) seedBlacklistStage(ctx context.Context) error {
	if len(r.cfg.Parameters.Blacklist) == 0 {
		return nil
	}

	r.log.InfoContext(ctx, "Seeding blacklist",
		"usernameCount", len(r.cfg.Parameters.Blacklist))

	return r.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, username := range r.cfg.Parameters.Blacklist {
			present, err := tx.HasContactUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("check contact %s: %w", username, err)
			}
			if present {
				continue
			}

			author, resolveErr := r.directory.ResolveUser(ctx, username)
			if resolveErr != nil {
				r.log.WarnContext(ctx, "Failed to resolve blacklisted username so it is skipped",
					"error", resolveErr,
					"username", username)

				continue
			}

			if err = tx.SeedBlacklist(ctx, author.ID, author.Name); err != nil {
				return fmt.Errorf("seed blacklist for %s: %w", username, err)
			}
		}

		return nil
	})
}

// scanStage scans every configured feed, one commit per feed. A failed
// feed rolls back alone and the run continues with the remaining feeds.
func (r *Runner) scanStage(ctx context.Context) {
	scan := scanner.New(
		r.source,
		r.cfg.TitlePattern,
		r.cfg.Parameters.ListingCap,
		r.log,
	)

	r.log.InfoContext(ctx, "Beginning feed scans",
		"feedCount", len(r.cfg.Parameters.Subreddits))

	for _, feedID := range r.cfg.Parameters.Subreddits {
		err := r.db.WithTx(ctx, func(tx *database.Tx) error {
			return scan.ScanFeed(ctx, tx, feedID)
		})
		if err != nil {
			r.log.ErrorContext(ctx, "Feed scan failed and is rolled back",
				"error", err,
				"feedID", feedID)
		}
	}
}

func (r *Runner) notifyStage(ctx context.Context) error {
	notify := notifier.New(
		r.directory,
		r.cfg.Parameters.Subject,
		r.cfg.Parameters.Message,
		r.cfg.Flags.DryRun,
		r.now,
		r.log,
	)

	return r.db.WithTx(ctx, func(tx *database.Tx) error {
		return notify.Notify(ctx, tx)
	})
}
