package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"subwatch/internal/models"
)

// MaxSeenCreatedAt returns the newest created_at recorded for a feed, or
// zero when the feed has never been scanned.
func (t *Tx) MaxSeenCreatedAt(ctx context.Context, feedID string) (int64, error) {
	query := "select max(created_at) from seen_posts where feed_id = ?"

	var maxCreatedAt sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, query, feedID).Scan(&maxCreatedAt); err != nil {
		return 0, fmt.Errorf("failed to execute query: %w", err)
	}

	if !maxCreatedAt.Valid {
		return 0, nil
	}

	return maxCreatedAt.Int64, nil
}

// InsertSeenPost records a post id for a feed. Re-inserting an existing id
// is a no-op.
func (t *Tx) InsertSeenPost(ctx context.Context, post models.SeenPost) error {
	if strings.TrimSpace(post.ID) == "" {
		return errors.New("post ID is empty")
	}

	query := "insert or ignore into seen_posts (id, created_at, feed_id) values (?, ?, ?)"

	_, err := t.tx.ExecContext(ctx, query, post.ID, post.CreatedAt, post.FeedID)

	return err
}

// InsertCandidate records a matching post. Re-inserting an existing id is a
// no-op and never resets the replied flag.
func (t *Tx) InsertCandidate(ctx context.Context, candidate models.CandidatePost) error {
	if strings.TrimSpace(candidate.ID) == "" {
		return errors.New("candidate ID is empty")
	}

	query := `insert or ignore into candidate_posts
	(id, author_name, author_id, created_at, title, body, replied)
	values (?, ?, ?, ?, ?, ?, 0)`

	_, err := t.tx.ExecContext(ctx, query,
		candidate.ID,
		candidate.AuthorName,
		candidate.AuthorID,
		candidate.CreatedAt,
		candidate.Title,
		candidate.Body)

	return err
}

// UnrepliedCandidates selects candidates still awaiting a contact decision.
// Exclusion is by username: a contact row from blacklist seeding and one
// from a prior notification block selection identically.
func (t *Tx) UnrepliedCandidates(ctx context.Context) ([]models.CandidatePost, error) {
	query := `select id, author_name, author_id, created_at, title, body
	from candidate_posts
	where replied = 0
	and author_name not in (select username from contacts)`

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			t.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"operation", "UnrepliedCandidates")
		}
	}()

	var candidates []models.CandidatePost
	for rows.Next() {
		var c models.CandidatePost
		if err = rows.Scan(&c.ID, &c.AuthorName, &c.AuthorID, &c.CreatedAt, &c.Title, &c.Body); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		candidates = append(candidates, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return candidates, nil
}

// MarkReplied is terminal for a candidate: once set, the row can never be
// selected again.
func (t *Tx) MarkReplied(ctx context.Context, candidateID string) error {
	query := "update candidate_posts set replied = 1 where id = ?"

	_, err := t.tx.ExecContext(ctx, query, candidateID)

	return err
}

// Contact fetches a contact row by account id. Returns nil when absent.
func (t *Tx) Contact(ctx context.Context, contactID string) (*models.Contact, error) {
	query := `select id, username, last_message_at, blacklisted
	from contacts
	where id = ?`

	var c models.Contact
	var lastMessageAt sql.NullInt64

	err := t.tx.QueryRowContext(ctx, query, contactID).
		Scan(&c.ID, &c.Username, &lastMessageAt, &c.Blacklisted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	if lastMessageAt.Valid {
		c.LastMessageAt = &lastMessageAt.Int64
	}

	return &c, nil
}

// HasContactUsername reports whether any contact row carries the username,
// blacklisted or previously messaged alike.
func (t *Tx) HasContactUsername(ctx context.Context, username string) (bool, error) {
	query := "select exists (select 1 from contacts where username = ?)"

	var present bool
	if err := t.tx.QueryRowContext(ctx, query, username).Scan(&present); err != nil {
		return false, fmt.Errorf("failed to execute query: %w", err)
	}

	return present, nil
}

// UpsertContact replaces the contact row for an account id, recording the
// last time a message went out to it.
func (t *Tx) UpsertContact(ctx context.Context, contact models.Contact) error {
	if strings.TrimSpace(contact.ID) == "" {
		return errors.New("contact ID is empty")
	}

	query := `insert or replace into contacts (id, username, last_message_at, blacklisted)
	values (?, ?, ?, ?)`

	var lastMessageAt any
	if contact.LastMessageAt != nil {
		lastMessageAt = *contact.LastMessageAt
	}

	_, err := t.tx.ExecContext(ctx, query,
		contact.ID, contact.Username, lastMessageAt, contact.Blacklisted)

	return err
}

// SeedBlacklist inserts a blacklisted contact unless some row already
// carries the username. Safe to repeat on every run. A row already holding
// the account id under another name (messaged before a rename) makes the
// insert a no-op as well; the id gate in the notifier still blocks that
// account.
func (t *Tx) SeedBlacklist(ctx context.Context, contactID string, username string) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is empty")
	}

	query := `insert or ignore into contacts (id, username, blacklisted)
	select ?, ?, 1
	where not exists (select 1 from contacts where username = ?)`

	_, err := t.tx.ExecContext(ctx, query, contactID, username, username)

	return err
}

// ResetPosts discards the seen-post archive and all candidates. The next
// scan starts from a zero bound on every feed. Contacts are untouched.
func (t *Tx) ResetPosts(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "delete from candidate_posts"); err != nil {
		return fmt.Errorf("reset candidate posts: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, "delete from seen_posts"); err != nil {
		return fmt.Errorf("reset seen posts: %w", err)
	}

	return nil
}

// ResetContacts discards the contact history, including the record of who
// has already been messaged. Post tables are untouched.
func (t *Tx) ResetContacts(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "delete from contacts"); err != nil {
		return fmt.Errorf("reset contacts: %w", err)
	}

	return nil
}
