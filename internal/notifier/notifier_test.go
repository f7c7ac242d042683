package notifier_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"subwatch/internal/database"
	"subwatch/internal/models"
	"subwatch/internal/notifier"
)

type sentMessage struct {
	Username string
	Subject  string
	Body     string
}

type fakeDirectory struct {
	authors    map[string]models.Author
	resolveErr map[string]error
	sendErr    map[string]error
	sent       []sentMessage
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		authors:    make(map[string]models.Author),
		resolveErr: make(map[string]error),
		sendErr:    make(map[string]error),
	}
}

func (d *fakeDirectory) ResolveUser(_ context.Context, username string) (models.Author, error) {
	if err := d.resolveErr[username]; err != nil {
		return models.Author{}, err
	}

	author, ok := d.authors[username]
	if !ok {
		return models.Author{}, fmt.Errorf("unknown user %s", username)
	}

	return author, nil
}

func (d *fakeDirectory) SendMessage(_ context.Context, username string, subject string, body string) error {
	if err := d.sendErr[username]; err != nil {
		return err
	}

	d.sent = append(d.sent, sentMessage{Username: username, Subject: subject, Body: body})

	return nil
}

func newTestDB(t *testing.T) (*database.Database, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.New(context.Background(), path, log)
	if err != nil {
		t.Fatalf("failed to initialize db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close db: %v", err)
		}
	})

	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open raw db: %v", err)
	}
	t.Cleanup(func() {
		if err := raw.Close(); err != nil {
			t.Errorf("failed to close raw db: %v", err)
		}
	})

	return db, raw
}

func inTx(t *testing.T, db *database.Database, fn func(tx *database.Tx) error) {
	t.Helper()

	if err := db.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func seedCandidate(t *testing.T, db *database.Database, candidate models.CandidatePost) {
	t.Helper()

	inTx(t, db, func(tx *database.Tx) error {
		return tx.InsertCandidate(context.Background(), candidate)
	})
}

func notify(t *testing.T, db *database.Database, n *notifier.Notifier) {
	t.Helper()

	inTx(t, db, func(tx *database.Tx) error {
		return n.Notify(context.Background(), tx)
	})
}

func candidateReplied(t *testing.T, raw *sql.DB, candidateID string) bool {
	t.Helper()

	var replied bool
	if err := raw.QueryRow(
		"select replied from candidate_posts where id = ?", candidateID).Scan(&replied); err != nil {
		t.Fatalf("failed to fetch candidate %s: %v", candidateID, err)
	}

	return replied
}

var testNow = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifySendsOnceAndRecordsContact(t *testing.T) {
	db, raw := newTestDB(t)

	directory := newFakeDirectory()
	directory.authors["alice"] = models.Author{Name: "alice", ID: "u1"}

	seedCandidate(t, db, models.CandidatePost{
		ID: "a", AuthorName: "alice", AuthorID: "u1", CreatedAt: 100, Title: "t", Body: "b",
	})

	n := notifier.New(directory, "hello", "message body", false, testNow, testLogger())

	notify(t, db, n)

	if len(directory.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(directory.sent))
	}
	if directory.sent[0].Username != "alice" || directory.sent[0].Subject != "hello" {
		t.Fatalf("unexpected message: %+v", directory.sent[0])
	}

	if !candidateReplied(t, raw, "a") {
		t.Fatalf("expected candidate to be marked replied")
	}

	var lastMessageAt int64
	if err := raw.QueryRow(
		"select last_message_at from contacts where id = ?", "u1").Scan(&lastMessageAt); err != nil {
		t.Fatalf("failed to fetch contact: %v", err)
	}
	if lastMessageAt != testNow().Unix() {
		t.Fatalf("expected last message date %d, got %d", testNow().Unix(), lastMessageAt)
	}

	// A second run selects nothing and sends nothing.
	notify(t, db, n)

	if len(directory.sent) != 1 {
		t.Fatalf("expected no further messages across runs, got %d", len(directory.sent))
	}
}

func TestNotifySkipsUsernamesWithAnyContactRow(t *testing.T) {
	db, _ := newTestDB(t)

	directory := newFakeDirectory()
	directory.authors["spammer"] = models.Author{Name: "spammer", ID: "u2"}

	seedCandidate(t, db, models.CandidatePost{
		ID: "b", AuthorName: "spammer", AuthorID: "u2", CreatedAt: 100, Title: "t", Body: "b",
	})

	inTx(t, db, func(tx *database.Tx) error {
		return tx.SeedBlacklist(context.Background(), "u2", "spammer")
	})

	n := notifier.New(directory, "hello", "message body", false, testNow, testLogger())

	notify(t, db, n)

	if len(directory.sent) != 0 {
		t.Fatalf("expected blacklisted author to be skipped, got %d messages", len(directory.sent))
	}
}

func TestNotifySecondGateClosesRenamedContact(t *testing.T) {
	db, raw := newTestDB(t)

	// The candidate was authored under a new name, but the account id was
	// already messaged under its old one.
	directory := newFakeDirectory()
	directory.authors["alice_new"] = models.Author{Name: "alice_new", ID: "u1"}

	messagedAt := int64(1000)

	seedCandidate(t, db, models.CandidatePost{
		ID: "a", AuthorName: "alice_new", AuthorID: "u1", CreatedAt: 100, Title: "t", Body: "b",
	})

	inTx(t, db, func(tx *database.Tx) error {
		return tx.UpsertContact(context.Background(), models.Contact{
			ID: "u1", Username: "alice_old", LastMessageAt: &messagedAt,
		})
	})

	n := notifier.New(directory, "hello", "message body", false, testNow, testLogger())

	notify(t, db, n)

	if len(directory.sent) != 0 {
		t.Fatalf("expected no message to an already-contacted id, got %d", len(directory.sent))
	}

	if !candidateReplied(t, raw, "a") {
		t.Fatalf("expected candidate to be closed to prevent reselection")
	}
}

func TestNotifyDryRunWritesBackWithoutSending(t *testing.T) {
	db, raw := newTestDB(t)

	directory := newFakeDirectory()
	directory.authors["alice"] = models.Author{Name: "alice", ID: "u1"}

	seedCandidate(t, db, models.CandidatePost{
		ID: "a", AuthorName: "alice", AuthorID: "u1", CreatedAt: 100, Title: "t", Body: "b",
	})

	n := notifier.New(directory, "hello", "message body", true, testNow, testLogger())

	notify(t, db, n)

	if len(directory.sent) != 0 {
		t.Fatalf("expected dry run to send nothing, got %d messages", len(directory.sent))
	}

	if !candidateReplied(t, raw, "a") {
		t.Fatalf("expected dry run to mark the candidate replied")
	}

	var lastMessageAt int64
	if err := raw.QueryRow(
		"select last_message_at from contacts where id = ?", "u1").Scan(&lastMessageAt); err != nil {
		t.Fatalf("failed to fetch contact: %v", err)
	}
	if lastMessageAt != testNow().Unix() {
		t.Fatalf("expected contact write-back identical to a live run, got %d", lastMessageAt)
	}
}

func TestNotifyKeepsCandidateOnResolveFailure(t *testing.T) {
	db, raw := newTestDB(t)

	directory := newFakeDirectory()
	directory.resolveErr["ghost"] = errors.New("account is gone")

	seedCandidate(t, db, models.CandidatePost{
		ID: "a", AuthorName: "ghost", AuthorID: "u1", CreatedAt: 100, Title: "t", Body: "b",
	})

	n := notifier.New(directory, "hello", "message body", false, testNow, testLogger())

	notify(t, db, n)

	if len(directory.sent) != 0 {
		t.Fatalf("expected nothing to be sent, got %d", len(directory.sent))
	}

	if candidateReplied(t, raw, "a") {
		t.Fatalf("expected candidate to stay unreplied for a future run")
	}
}

func TestNotifyKeepsCandidateOnSendFailure(t *testing.T) {
	db, raw := newTestDB(t)

	directory := newFakeDirectory()
	directory.authors["alice"] = models.Author{Name: "alice", ID: "u1"}
	directory.sendErr["alice"] = errors.New("rate limited")

	seedCandidate(t, db, models.CandidatePost{
		ID: "a", AuthorName: "alice", AuthorID: "u1", CreatedAt: 100, Title: "t", Body: "b",
	})

	n := notifier.New(directory, "hello", "message body", false, testNow, testLogger())

	notify(t, db, n)

	if candidateReplied(t, raw, "a") {
		t.Fatalf("expected candidate to stay unreplied after a failed send")
	}

	var contactCount int
	if err := raw.QueryRow("select count(*) from contacts").Scan(&contactCount); err != nil {
		t.Fatalf("failed to count contacts: %v", err)
	}
	if contactCount != 0 {
		t.Fatalf("expected no contact row after a failed send, got %d", contactCount)
	}
}
