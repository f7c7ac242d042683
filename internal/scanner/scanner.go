package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"subwatch/internal/database"
	"subwatch/internal/models"
)

// postPause spaces out per-post processing to stay polite toward the
// platform. It carries no ordering or correctness weight.
const postPause = 100 * time.Millisecond

// PostIterator yields posts newest-first; a nil post marks the end of the
// listing.
type PostIterator interface {
	Next(ctx context.Context) (*models.RemotePost, error)
}

// Source enumerates a feed's posts newest-first, capped at limit entries.
type Source interface {
	NewPosts(feedID string, limit int) PostIterator
}

type Scanner struct {
	source  Source
	pattern *regexp.Regexp
	limit   int
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(source Source, pattern *regexp.Regexp, limit int, log *slog.Logger) *Scanner {
	return &Scanner{
		source:  source,
		pattern: pattern,
		limit:   limit,
		limiter: rate.NewLimiter(rate.Every(postPause), 1),
		log:     log,
	}
}

// ScanFeed walks one feed newest-to-oldest and records every post not yet
// seen. The walk stops at the first post at or below the feed's recorded
// high-water mark: everything older is already archived, because the bound
// only ever advances when a scan commits.
//
// An error from the feed enumeration propagates to the caller with the
// stage still uncommitted, so a partially scanned feed leaves no trace and
// is redone in full on the next run.
func (s *Scanner) ScanFeed(ctx context.Context, tx *database.Tx, feedID string) error {
	bound, err := tx.MaxSeenCreatedAt(ctx, feedID)
	if err != nil {
		return fmt.Errorf("fetch scan bound (feed = %s): %w", feedID, err)
	}

	if bound == 0 {
		s.log.InfoContext(ctx, "No prior scan bound so the whole listing will be checked",
			"feedID", feedID,
			"limit", s.limit)
	}

	posts := s.source.NewPosts(feedID, s.limit)

	var reviewed, inserted, matched int

	for {
		post, err := posts.Next(ctx)
		if err != nil {
			return fmt.Errorf("enumerate feed %s: %w", feedID, err)
		}
		if post == nil {
			break
		}

		reviewed++

		if post.CreatedAt <= bound {
			break
		}

		if err = tx.InsertSeenPost(ctx, models.SeenPost{
			ID:        post.ID,
			CreatedAt: post.CreatedAt,
			FeedID:    feedID,
		}); err != nil {
			return fmt.Errorf("insert seen post (feed = %s): %w", feedID, err)
		}
		inserted++

		if post.Author != nil && s.pattern.MatchString(post.Title) {
			matched++

			if err = tx.InsertCandidate(ctx, models.CandidatePost{
				ID:         post.ID,
				AuthorName: post.Author.Name,
				AuthorID:   post.Author.ID,
				CreatedAt:  post.CreatedAt,
				Title:      post.Title,
				Body:       post.Body,
			}); err != nil {
				return fmt.Errorf("insert candidate (feed = %s): %w", feedID, err)
			}
		}

		if err = s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	s.log.InfoContext(ctx, "Feed scan is finished",
		"feedID", feedID,
		"reviewedCount", reviewed,
		"newCount", inserted,
		"matchedCount", matched)

	return nil
}
