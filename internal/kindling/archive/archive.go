// Package archive submits copies of delivered posts to an external archival
// endpoint. Archival is always best-effort: failures are reported to the
// caller for logging and never affect delivery.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ember-social/kindling/internal/kindling/feed"
)

// Client POSTs post batches to a configured archival endpoint.
type Client struct {
	log   *slog.Logger
	httpC *http.Client
	url   string
}

func NewClient(log *slog.Logger, url string, httpC *http.Client) *Client {
	if httpC == nil {
		httpC = http.DefaultClient
	}
	return &Client{
		log:   log.With("component", "archive"),
		httpC: httpC,
		url:   url,
	}
}

// SavePosts submits one batch of posts as {"posts": [...]}. A non-200
// response is an error; the caller decides to log and move on.
func (c *Client) SavePosts(ctx context.Context, posts []*feed.PostView) error {
	if len(posts) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"posts": posts})
	if err != nil {
		return fmt.Errorf("encoding archive batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpC.Do(req)
	if err != nil {
		return fmt.Errorf("posting archive batch: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archival sink returned %s", resp.Status)
	}

	c.log.Debug("archived posts", "count", len(posts))
	return nil
}
