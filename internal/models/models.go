package models

// SeenPost is one archived submission id per feed. Rows are append-only;
// the maximum CreatedAt per feed is that feed's scan resumption point.
type SeenPost struct {
	ID        string
	CreatedAt int64
	FeedID    string
}

// CandidatePost is a submission whose title matched the filter pattern and
// whose author was resolvable at scan time. Replied flips to true exactly
// once and is never cleared outside a full content refresh.
type CandidatePost struct {
	ID         string
	AuthorName string
	AuthorID   string
	CreatedAt  int64
	Title      string
	Body       string
	Replied    bool
}

// Contact means "do not message this identity again", whether it came from
// blacklist seeding or from a prior successful notification.
type Contact struct {
	ID            string
	Username      string
	LastMessageAt *int64
	Blacklisted   bool
}

// PostAuthor is the author attribution carried on a listed post. Nil on a
// post whose account has been deleted.
type PostAuthor struct {
	Name string
	ID   string
}

// RemotePost is one submission as enumerated from a feed, newest-first.
type RemotePost struct {
	ID        string
	CreatedAt int64
	Title     string
	Body      string
	Author    *PostAuthor
}

// Author is a live directory handle resolved from a username.
type Author struct {
	Name string
	ID   string
}
