package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReddit simulates the Reddit OAuth + API endpoints.
type fakeReddit struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	tokenRequests int
	listing       []map[string]any
	listingErr    int // if non-zero, listing requests fail with this status
	comments      []map[string]any
}

func newFakeReddit(t *testing.T) *fakeReddit {
	t.Helper()
	f := &fakeReddit{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/access_token", f.handleToken)
	mux.HandleFunc("GET /comments/", f.handleComments)
	mux.HandleFunc("GET /r/", f.handleListing)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeReddit) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		UserAgent:    "kindling-test/0.1",
		AuthHost:     f.server.URL,
		APIHost:      f.server.URL,
	})
	require.NoError(t, err)
	return c
}

func (f *fakeReddit) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "test-id" || pass != "test-secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	f.tokenRequests++
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "tok-123",
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func (f *fakeReddit) handleListing(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok-123" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listingErr != 0 {
		http.Error(w, "nope", f.listingErr)
		return
	}
	children := make([]map[string]any, 0, len(f.listing))
	for _, post := range f.listing {
		children = append(children, map[string]any{"kind": "t3", "data": post})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind": "Listing",
		"data": map[string]any{"children": children},
	})
}

func (f *fakeReddit) handleComments(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	children := make([]map[string]any, 0, len(f.comments))
	for _, c := range f.comments {
		children = append(children, c)
	}
	_ = json.NewEncoder(w).Encode([]any{
		map[string]any{"kind": "Listing", "data": map[string]any{"children": []any{}}},
		map[string]any{"kind": "Listing", "data": map[string]any{"children": children}},
	})
}

func (f *fakeReddit) setListing(posts ...map[string]any) {
	f.mu.Lock()
	f.listing = posts
	f.mu.Unlock()
}

func fakePost(id, title string) map[string]any {
	return map[string]any{
		"id":              id,
		"title":           title,
		"selftext":        "body of " + id,
		"url":             "https://example.com/" + id,
		"score":           10,
		"subreddit":       "golang",
		"author":          "gopher",
		"created_utc":     1700000000.0,
		"over_18":         false,
		"is_self":         true,
		"link_flair_text": nil,
		"num_comments":    2,
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{UserAgent: "ua"})
	require.ErrorIs(t, err, ErrMissingCredentials)

	_, err = NewClient(ClientConfig{ClientID: "id", ClientSecret: "sec"})
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestPull(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	flaired := fakePost("b", "second")
	flaired["link_flair_text"] = "Discussion"
	flaired["author"] = ""
	f.setListing(fakePost("a", "first"), flaired)

	c := f.client(t)
	posts, err := c.Pull(context.Background(), nil, SortNew, 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	assert.Equal(t, "a", posts[0].ID)
	assert.Equal(t, "first", posts[0].Title)
	assert.Equal(t, "golang", posts[0].Subreddit)
	assert.Nil(t, posts[0].Flair)
	assert.True(t, posts[0].IsSelf)

	require.NotNil(t, posts[1].Flair)
	assert.Equal(t, "Discussion", *posts[1].Flair)
	assert.Equal(t, "", posts[1].Author)
}

func TestPullReusesToken(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	f.setListing(fakePost("a", "first"))
	c := f.client(t)

	for range 3 {
		_, err := c.Pull(context.Background(), []string{"golang", "programming"}, SortHot, 5)
		require.NoError(t, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.tokenRequests, "token should be cached across requests")
}

func TestPullUpstreamError(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	f.mu.Lock()
	f.listingErr = http.StatusServiceUnavailable
	f.mu.Unlock()

	c := f.client(t)
	_, err := c.Pull(context.Background(), nil, SortNew, 10)
	require.Error(t, err)
}

func TestComments(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	f.mu.Lock()
	f.comments = []map[string]any{
		{"kind": "t1", "data": map[string]any{"body": "first comment"}},
		{"kind": "t1", "data": map[string]any{"body": "second comment"}},
		{"kind": "more", "data": map[string]any{"count": 10}},
		{"kind": "t1", "data": map[string]any{"body": "third comment"}},
	}
	f.mu.Unlock()

	c := f.client(t)

	comments, err := c.Comments(context.Background(), "abc", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first comment", "second comment"}, comments)

	comments, err = c.Comments(context.Background(), "abc", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first comment", "second comment", "third comment"}, comments,
		"non-comment children should be skipped")

	comments, err = c.Comments(context.Background(), "abc", 0)
	require.NoError(t, err)
	assert.Nil(t, comments)
}

func TestStreamDedupsAndSkipsExisting(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	f.setListing(fakePost("b", "old-2"), fakePost("a", "old-1"))
	c := f.client(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 16)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.Stream(ctx, func(_ context.Context, p *Post) error {
			got <- p.ID
			return nil
		})
	}()

	// The first poll only primes the dedup set; pre-existing posts are
	// never delivered. Swap in a listing with two new posts on top.
	time.Sleep(100 * time.Millisecond)
	f.setListing(fakePost("d", "new-2"), fakePost("c", "new-1"), fakePost("b", "old-2"), fakePost("a", "old-1"))

	require.Equal(t, "c", waitRecv(t, got), "new posts should arrive in arrival order")
	require.Equal(t, "d", waitRecv(t, got))

	cancel()
	require.ErrorIs(t, <-streamDone, context.Canceled)

	select {
	case id := <-got:
		t.Fatalf("unexpected duplicate delivery of %q", id)
	default:
	}
}

func TestStreamHandlerErrorIsFatal(t *testing.T) {
	t.Parallel()

	f := newFakeReddit(t)
	f.setListing(fakePost("a", "old"))
	c := f.client(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	started := make(chan struct{}, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		f.setListing(fakePost("b", "new"), fakePost("a", "old"))
		started <- struct{}{}
	}()

	err := c.Stream(ctx, func(_ context.Context, p *Post) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	<-started
}

func waitRecv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for post")
		return ""
	}
}
