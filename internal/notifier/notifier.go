package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subwatch/internal/database"
	"subwatch/internal/models"
)

// Directory resolves usernames to live account handles and delivers
// private messages to them.
type Directory interface {
	ResolveUser(ctx context.Context, username string) (models.Author, error)
	SendMessage(ctx context.Context, username string, subject string, body string) error
}

type Notifier struct {
	directory Directory
	subject   string
	message   string
	dryRun    bool
	now       func() time.Time
	log       *slog.Logger
}

func New(
	directory Directory,
	subject string,
	message string,
	dryRun bool,
	now func() time.Time,
	log *slog.Logger,
) *Notifier {
	return &Notifier{
		directory: directory,
		subject:   subject,
		message:   message,
		dryRun:    dryRun,
		now:       now,
		log:       log,
	}
}

// Notify messages every unreplied candidate whose author has no contact
// row yet. The primary dedup gate is the username exclusion in the
// selection query; a second gate re-checks by account id after resolution,
// which catches a contact whose account was renamed since it was recorded.
// The two gates use different keys on purpose: whether the platform
// guarantees stable usernames is an open question, so neither key is
// trusted alone.
//
// Resolution and delivery failures are transient: the candidate is logged,
// skipped and left unreplied for a future run. Storage failures abort the
// stage uncommitted.
//
// In dry-run mode every write-back happens exactly as in a live run, but
// nothing is ever sent.
func (n *Notifier) Notify(ctx context.Context, tx *database.Tx) error {
	candidates, err := tx.UnrepliedCandidates(ctx)
	if err != nil {
		return fmt.Errorf("select unreplied candidates: %w", err)
	}

	n.log.InfoContext(ctx, "Replying to candidates",
		"candidateCount", len(candidates),
		"dryRun", n.dryRun)

	for _, candidate := range candidates {
		author, resolveErr := n.directory.ResolveUser(ctx, candidate.AuthorName)
		if resolveErr != nil {
			n.log.WarnContext(ctx, "Failed to resolve author so candidate is kept for a future run",
				"error", resolveErr,
				"candidateID", candidate.ID,
				"authorName", candidate.AuthorName)

			continue
		}

		if !n.dryRun {
			contact, contactErr := tx.Contact(ctx, author.ID)
			if contactErr != nil {
				return fmt.Errorf("fetch contact %s: %w", author.ID, contactErr)
			}

			if contact != nil && contact.LastMessageAt != nil {
				n.log.InfoContext(ctx, "Author was already messaged under another name so candidate is closed",
					"candidateID", candidate.ID,
					"authorName", candidate.AuthorName,
					"authorID", author.ID)

				if err = tx.MarkReplied(ctx, candidate.ID); err != nil {
					return fmt.Errorf("mark candidate %s replied: %w", candidate.ID, err)
				}

				continue
			}

			if sendErr := n.directory.SendMessage(ctx, author.Name, n.subject, n.message); sendErr != nil {
				n.log.WarnContext(ctx, "Failed to send message so candidate is kept for a future run",
					"error", sendErr,
					"candidateID", candidate.ID,
					"authorName", author.Name)

				continue
			}

			n.log.InfoContext(ctx, "Message is sent",
				"candidateID", candidate.ID,
				"authorName", author.Name)
		}

		if err = tx.MarkReplied(ctx, candidate.ID); err != nil {
			return fmt.Errorf("mark candidate %s replied: %w", candidate.ID, err)
		}

		lastMessageAt := n.now().Unix()
		if err = tx.UpsertContact(ctx, models.Contact{
			ID:            author.ID,
			Username:      author.Name,
			LastMessageAt: &lastMessageAt,
		}); err != nil {
			return fmt.Errorf("upsert contact %s: %w", author.ID, err)
		}
	}

	return nil
}
