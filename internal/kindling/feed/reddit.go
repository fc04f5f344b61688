package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	defaultAuthHost = "https://www.reddit.com"
	defaultAPIHost  = "https://oauth.reddit.com"

	// Reddit caps listing requests at 100 items.
	maxListingLimit = 100

	// How many post IDs we remember across stream polls for dedup.
	streamSeenSize = 10_000

	// Consecutive poll failures before the stream gives up entirely.
	streamMaxFailures = 10

	tokenSlack = 30 * time.Second
)

var ErrMissingCredentials = errors.New("reddit credentials not configured")

type ClientConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string

	Logger     *slog.Logger
	HTTPClient *http.Client

	// Overridable for tests; defaults to the public Reddit endpoints.
	AuthHost string
	APIHost  string
}

// Client talks to the Reddit API using the OAuth2 client-credentials flow.
// All requests go through a shared rate limiter to stay inside Reddit's
// request budget.
type Client struct {
	log       *slog.Logger
	httpC     *http.Client
	userAgent string

	clientID     string
	clientSecret string
	authHost     string
	apiHost      string

	limiter *rate.Limiter

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client ID and secret are required", ErrMissingCredentials)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("%w: user agent is required", ErrMissingCredentials)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	httpC := cfg.HTTPClient
	if httpC == nil {
		httpC = http.DefaultClient
	}
	authHost := cfg.AuthHost
	if authHost == "" {
		authHost = defaultAuthHost
	}
	apiHost := cfg.APIHost
	if apiHost == "" {
		apiHost = defaultAPIHost
	}

	return &Client{
		log:          log.With("component", "reddit-client"),
		httpC:        httpC,
		userAgent:    cfg.UserAgent,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authHost:     authHost,
		apiHost:      apiHost,
		limiter:      rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Pull fetches up to limit posts from the given subreddits under the given
// sort order. An empty subreddit list pulls from r/all.
func (c *Client) Pull(ctx context.Context, subreddits []string, sort Sort, limit int) ([]*Post, error) {
	sub := "all"
	if len(subreddits) > 0 {
		sub = strings.Join(subreddits, "+")
	}
	if limit > maxListingLimit {
		limit = maxListingLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")

	var listing thing
	if err := c.getJSON(ctx, fmt.Sprintf("/r/%s/%s", sub, sort), q, &listing); err != nil {
		return nil, fmt.Errorf("fetching /r/%s/%s: %w", sub, sort, err)
	}
	return decodeListing(c.log, &listing)
}

// Comments fetches up to limit top-level comment bodies for a post. A
// comment that cannot be decoded is logged and skipped; the caller always
// gets whatever could be read.
func (c *Client) Comments(ctx context.Context, postID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("depth", "1")
	q.Set("raw_json", "1")

	// The comments endpoint returns a two-element array: the post listing
	// followed by the comment listing.
	var page []thing
	if err := c.getJSON(ctx, "/comments/"+postID, q, &page); err != nil {
		return nil, fmt.Errorf("fetching comments for %s: %w", postID, err)
	}
	if len(page) < 2 {
		return nil, fmt.Errorf("unexpected comments response shape for %s", postID)
	}

	var listing listingData
	if err := json.Unmarshal(page[1].Data, &listing); err != nil {
		return nil, fmt.Errorf("decoding comment listing for %s: %w", postID, err)
	}

	comments := make([]string, 0, limit)
	for _, child := range listing.Children {
		if len(comments) >= limit {
			break
		}
		if child.Kind != "t1" {
			continue
		}
		var cd commentData
		if err := json.Unmarshal(child.Data, &cd); err != nil {
			c.log.Warn("skipping undecodable comment", "post", postID, "err", err)
			continue
		}
		comments = append(comments, cd.Body)
	}
	return comments, nil
}

// Stream polls r/all/new and invokes fn for every not-yet-seen post, oldest
// first. The first poll only primes the dedup set, so callers receive posts
// that arrive after Stream starts. Transient poll errors are retried with
// backoff; the stream terminates only on context cancellation, a handler
// error, or too many consecutive upstream failures.
func (c *Client) Stream(ctx context.Context, fn func(context.Context, *Post) error) error {
	seen, err := lru.New[string, struct{}](streamSeenSize)
	if err != nil {
		return err
	}

	primed := false
	failures := 0
	for {
		posts, err := c.Pull(ctx, nil, SortNew, maxListingLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= streamMaxFailures {
				return fmt.Errorf("stream poll failed %d times in a row: %w", failures, err)
			}
			c.log.Warn("stream poll failed", "err", err, "failures", failures)
			select {
			case <-time.After(sleepForBackoff(failures)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		failures = 0

		// Listings are newest-first; walk backwards to yield arrival order.
		for i := len(posts) - 1; i >= 0; i-- {
			p := posts[i]
			if _, ok := seen.Get(p.ID); ok {
				continue
			}
			seen.Add(p.ID, struct{}{})
			if !primed {
				continue
			}
			if err := fn(ctx, p); err != nil {
				return err
			}
		}
		primed = true
	}
}

func sleepForBackoff(b int) time.Duration {
	if b == 0 {
		return 0
	}
	if b < 10 {
		return time.Millisecond * time.Duration(rand.Intn(1000)+(500*b))
	}
	return time.Second * 10
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiHost+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpC.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reddit API returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// accessToken returns a cached app-only OAuth token, refreshing it when it
// is close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > tokenSlack {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authHost+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpC.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("access token request returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding access token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("access token response contained no token")
	}

	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	c.log.Debug("refreshed reddit access token", "expires_in", body.ExpiresIn)
	return c.token, nil
}

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	Children []thing `json:"children"`
}

type postData struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	URL           string  `json:"url"`
	Score         int64   `json:"score"`
	Subreddit     string  `json:"subreddit"`
	Author        string  `json:"author"`
	CreatedUTC    float64 `json:"created_utc"`
	Over18        bool    `json:"over_18"`
	IsSelf        bool    `json:"is_self"`
	LinkFlairText *string `json:"link_flair_text"`
	NumComments   int64   `json:"num_comments"`
}

type commentData struct {
	Body string `json:"body"`
}

func decodeListing(log *slog.Logger, t *thing) ([]*Post, error) {
	if t.Kind != "Listing" {
		return nil, fmt.Errorf("expected a Listing, got %q", t.Kind)
	}

	var listing listingData
	if err := json.Unmarshal(t.Data, &listing); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}

	posts := make([]*Post, 0, len(listing.Children))
	for _, child := range listing.Children {
		if child.Kind != "t3" {
			continue
		}
		var pd postData
		if err := json.Unmarshal(child.Data, &pd); err != nil {
			log.Warn("skipping undecodable post", "err", err)
			continue
		}
		posts = append(posts, &Post{
			ID:          pd.ID,
			Title:       pd.Title,
			Selftext:    pd.Selftext,
			URL:         pd.URL,
			Score:       pd.Score,
			Subreddit:   pd.Subreddit,
			Author:      pd.Author,
			CreatedUTC:  pd.CreatedUTC,
			Over18:      pd.Over18,
			IsSelf:      pd.IsSelf,
			Flair:       pd.LinkFlairText,
			NumComments: pd.NumComments,
		})
	}
	return posts, nil
}
