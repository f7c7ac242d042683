// Package reddit is a minimal script-app client covering the three
// capabilities the run needs: newest-first submission listings, username
// resolution and private-message composition.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"subwatch/internal/models"
)

const (
	apiBaseURL    = "https://oauth.reddit.com"
	tokenURL      = "https://www.reddit.com/api/v1/access_token"
	clientTimeout = 30 * time.Second

	// Reddit serves at most 100 listing entries per request.
	pageSize = 100
)

type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// userAgentTransport stamps every request; Reddit throttles the default
// Go user agent aggressively.
type userAgentTransport struct {
	userAgent string
	base      http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("User-Agent", t.userAgent)

	return t.base.RoundTrip(cloned)
}

// passwordTokenSource re-runs the password grant whenever the current
// token lapses. The grant hands out no refresh token, so the stock
// refresher would fail hard at the first expiry and leave a long-lived
// watch process unable to authenticate.
type passwordTokenSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	return s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
}

// New authenticates with the password grant and returns a ready client.
// Authentication failure is fatal configuration territory for callers.
func New(ctx context.Context, creds Credentials) (*Client, error) {
	base := &http.Client{
		Timeout: clientTimeout,
		Transport: &userAgentTransport{
			userAgent: creds.UserAgent,
			base:      http.DefaultTransport,
		},
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	token, err := conf.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}

	source := oauth2.ReuseTokenSource(token, &passwordTokenSource{
		ctx:      ctx,
		conf:     conf,
		username: creds.Username,
		password: creds.Password,
	})

	return &Client{
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Transport: &oauth2.Transport{
				Source: source,
				Base:   base.Transport,
			},
		},
		baseURL: apiBaseURL,
	}, nil
}

// NewWithHTTPClient skips authentication and targets baseURL directly.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type thingEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	Children []thingEnvelope `json:"children"`
	After    string          `json:"after"`
}

type postData struct {
	ID             string  `json:"id"`
	CreatedUTC     float64 `json:"created_utc"`
	Title          string  `json:"title"`
	Selftext       string  `json:"selftext"`
	Author         string  `json:"author"`
	AuthorFullname string  `json:"author_fullname"`
}

type accountData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewPosts enumerates a subreddit's submissions newest-first, up to limit
// entries. Pages are fetched lazily so an early stop avoids the remaining
// requests entirely.
func (c *Client) NewPosts(feedID string, limit int) *Listing {
	return &Listing{
		client: c,
		feedID: feedID,
		limit:  limit,
	}
}

type Listing struct {
	client *Client
	feedID string
	limit  int

	buffer    []models.RemotePost
	after     string
	fetched   int
	exhausted bool
}

// Next returns the next post, or nil at the end of the listing.
func (l *Listing) Next(ctx context.Context) (*models.RemotePost, error) {
	if len(l.buffer) == 0 {
		if err := l.fetchPage(ctx); err != nil {
			return nil, err
		}
	}

	if len(l.buffer) == 0 {
		return nil, nil
	}

	post := l.buffer[0]
	l.buffer = l.buffer[1:]

	return &post, nil
}

func (l *Listing) fetchPage(ctx context.Context) error {
	if l.exhausted || l.fetched >= l.limit {
		return nil
	}

	size := min(pageSize, l.limit-l.fetched)

	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", size))
	query.Set("raw_json", "1")
	if l.after != "" {
		query.Set("after", l.after)
	}

	endpoint := fmt.Sprintf("/r/%s/new?%s", url.PathEscape(l.feedID), query.Encode())

	var envelope thingEnvelope
	if err := l.client.getJSON(ctx, endpoint, &envelope); err != nil {
		return fmt.Errorf("fetch listing page (feed = %s): %w", l.feedID, err)
	}

	var listing listingData
	if err := json.Unmarshal(envelope.Data, &listing); err != nil {
		return fmt.Errorf("decode listing (feed = %s): %w", l.feedID, err)
	}

	for _, child := range listing.Children {
		var post postData
		if err := json.Unmarshal(child.Data, &post); err != nil {
			return fmt.Errorf("decode post (feed = %s): %w", l.feedID, err)
		}

		l.buffer = append(l.buffer, toRemotePost(post))
		l.fetched++
	}

	l.after = listing.After
	if l.after == "" || len(listing.Children) == 0 {
		l.exhausted = true
	}

	return nil
}

func toRemotePost(post postData) models.RemotePost {
	remote := models.RemotePost{
		ID:        post.ID,
		CreatedAt: int64(post.CreatedUTC),
		Title:     post.Title,
		Body:      post.Selftext,
	}

	// A deleted account leaves the author name as a placeholder and drops
	// the fullname entirely.
	if post.AuthorFullname != "" && post.Author != "[deleted]" {
		remote.Author = &models.PostAuthor{
			Name: post.Author,
			ID:   strings.TrimPrefix(post.AuthorFullname, "t2_"),
		}
	}

	return remote
}

// ResolveUser looks up a live account by username. A deleted or suspended
// account surfaces as an error, not a fatal condition.
func (c *Client) ResolveUser(ctx context.Context, username string) (models.Author, error) {
	endpoint := fmt.Sprintf("/user/%s/about?raw_json=1", url.PathEscape(username))

	var envelope thingEnvelope
	if err := c.getJSON(ctx, endpoint, &envelope); err != nil {
		return models.Author{}, fmt.Errorf("resolve user %s: %w", username, err)
	}

	var account accountData
	if err := json.Unmarshal(envelope.Data, &account); err != nil {
		return models.Author{}, fmt.Errorf("decode account %s: %w", username, err)
	}

	if account.ID == "" || account.Name == "" {
		return models.Author{}, fmt.Errorf("resolve user %s: incomplete account data", username)
	}

	return models.Author{Name: account.Name, ID: account.ID}, nil
}

// SendMessage composes a private message to a username.
func (c *Client) SendMessage(ctx context.Context, username string, subject string, body string) error {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("to", username)
	form.Set("subject", subject)
	form.Set("text", body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/api/compose",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return fmt.Errorf("create compose request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message to %s: %w", username, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send message to %s: unexpected status %d", username, resp.StatusCode)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
