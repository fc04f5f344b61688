// Package filter evaluates posts against per-subscriber criteria. Matching
// is a pure conjunction over the criteria dimensions: an absent dimension
// places no constraint on the post.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ember-social/kindling/internal/kindling/feed"
)

// Criteria is an immutable set of filtering constraints, fixed for the
// lifetime of a subscription or query. Construct it with Default and
// reject bad values with Validate before first use; Matches itself never
// fails.
type Criteria struct {
	// Subreddits restricts matches to these subreddits (case-insensitive).
	Subreddits []string `json:"subreddits"`
	// Keywords requires at least one case-insensitive substring hit across
	// title + selftext.
	Keywords []string `json:"keywords"`
	// MinScore requires score >= this value.
	MinScore *int64 `json:"min_score"`
	// IncludeNSFW admits over_18 posts. Defaults to true.
	IncludeNSFW bool `json:"include_nsfw"`
	// IsSelf restricts to self posts (true) or link posts (false).
	IsSelf *bool `json:"is_self"`
	// Flairs restricts to these flairs, compared case-insensitively. A post
	// without a flair only matches if the set contains the empty string.
	Flairs []string `json:"flair"`
	// FetchComments asks for top-level comments on delivered posts.
	FetchComments bool `json:"fetch_comments"`
	// CommentsLimit caps fetched comments per post. Defaults to 5.
	CommentsLimit int `json:"comments_limit"`
}

// Default returns criteria that match every post.
func Default() Criteria {
	return Criteria{
		IncludeNSFW:   true,
		CommentsLimit: 5,
	}
}

// UnmarshalJSON decodes criteria on top of the defaults, so absent fields
// keep their default values rather than Go zero values.
func (c *Criteria) UnmarshalJSON(b []byte) error {
	type plain Criteria
	p := plain(Default())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Criteria(p)
	return nil
}

// Validate rejects malformed criteria at construction time.
func (c *Criteria) Validate() error {
	if c.CommentsLimit < 0 {
		return fmt.Errorf("comments_limit must be >= 0, got %d", c.CommentsLimit)
	}
	return nil
}

// Matches reports whether a post satisfies every constrained dimension.
// Dimensions are checked cheapest-first and short-circuit on the first
// failure.
func Matches(p *feed.Post, c *Criteria) bool {
	if len(c.Subreddits) > 0 && !containsFold(c.Subreddits, p.Subreddit) {
		return false
	}

	if len(c.Keywords) > 0 {
		text := strings.ToLower(p.Title + " " + p.Selftext)
		hit := false
		for _, kw := range c.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	if c.MinScore != nil && p.Score < *c.MinScore {
		return false
	}

	if !c.IncludeNSFW && p.Over18 {
		return false
	}

	if c.IsSelf != nil && p.IsSelf != *c.IsSelf {
		return false
	}

	if len(c.Flairs) > 0 {
		flair := ""
		if p.Flair != nil {
			flair = *p.Flair
		}
		if !containsFold(c.Flairs, flair) {
			return false
		}
	}

	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
