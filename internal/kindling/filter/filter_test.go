package filter

import (
	"encoding/json"
	"testing"

	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }
func i64ptr(v int64) *int64   { return &v }
func boolptr(v bool) *bool    { return &v }

func testPost() *feed.Post {
	return &feed.Post{
		ID:        "abc123",
		Title:     "Go 1.24 released",
		Selftext:  "The latest Go release includes generics improvements",
		URL:       "https://example.com/go",
		Score:     42,
		Subreddit: "golang",
		Author:    "gopher",
		Over18:    false,
		IsSelf:    true,
		Flair:     strptr("Release"),
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	c := Default()
	assert.True(t, c.IncludeNSFW)
	assert.Equal(t, 5, c.CommentsLimit)
	assert.False(t, c.FetchComments)
	assert.True(t, Matches(testPost(), &c), "defaults should match everything")
}

func TestUnmarshalKeepsDefaults(t *testing.T) {
	t.Parallel()

	var c Criteria
	require.NoError(t, json.Unmarshal([]byte(`{"keywords": ["go"]}`), &c))
	assert.True(t, c.IncludeNSFW, "absent include_nsfw should default to true")
	assert.Equal(t, 5, c.CommentsLimit, "absent comments_limit should default to 5")
	assert.Equal(t, []string{"go"}, c.Keywords)

	require.NoError(t, json.Unmarshal([]byte(`{"include_nsfw": false, "comments_limit": 0}`), &c))
	assert.False(t, c.IncludeNSFW)
	assert.Equal(t, 0, c.CommentsLimit)
}

func TestUnmarshalWrongType(t *testing.T) {
	t.Parallel()

	var c Criteria
	assert.Error(t, json.Unmarshal([]byte(`{"min_score": "high"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &c))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	c := Default()
	require.NoError(t, c.Validate())

	c.CommentsLimit = -1
	assert.Error(t, c.Validate())
}

func TestMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		criteria Criteria
		post     func(*feed.Post)
		want     bool
	}{
		{
			name:     "no constraints",
			criteria: Default(),
			want:     true,
		},
		{
			name: "subreddit match is case-insensitive",
			criteria: Criteria{
				IncludeNSFW: true,
				Subreddits:  []string{"GoLang", "programming"},
			},
			want: true,
		},
		{
			name: "subreddit mismatch",
			criteria: Criteria{
				IncludeNSFW: true,
				Subreddits:  []string{"rust"},
			},
			want: false,
		},
		{
			name: "keyword hit in title",
			criteria: Criteria{
				IncludeNSFW: true,
				Keywords:    []string{"RELEASED"},
			},
			want: true,
		},
		{
			name: "keyword hit in selftext",
			criteria: Criteria{
				IncludeNSFW: true,
				Keywords:    []string{"nope", "generics"},
			},
			want: true,
		},
		{
			name: "keyword miss",
			criteria: Criteria{
				IncludeNSFW: true,
				Keywords:    []string{"python", "java"},
			},
			want: false,
		},
		{
			name: "min score met",
			criteria: Criteria{
				IncludeNSFW: true,
				MinScore:    i64ptr(42),
			},
			want: true,
		},
		{
			name: "min score not met",
			criteria: Criteria{
				IncludeNSFW: true,
				MinScore:    i64ptr(43),
			},
			want: false,
		},
		{
			name:     "nsfw excluded",
			criteria: Criteria{IncludeNSFW: false},
			post:     func(p *feed.Post) { p.Over18 = true },
			want:     false,
		},
		{
			name:     "nsfw included by default",
			criteria: Default(),
			post:     func(p *feed.Post) { p.Over18 = true },
			want:     true,
		},
		{
			name: "self post required",
			criteria: Criteria{
				IncludeNSFW: true,
				IsSelf:      boolptr(true),
			},
			want: true,
		},
		{
			name: "link post required",
			criteria: Criteria{
				IncludeNSFW: true,
				IsSelf:      boolptr(false),
			},
			want: false,
		},
		{
			name: "flair match is case-insensitive",
			criteria: Criteria{
				IncludeNSFW: true,
				Flairs:      []string{"release", "Discussion"},
			},
			want: true,
		},
		{
			name: "flair mismatch",
			criteria: Criteria{
				IncludeNSFW: true,
				Flairs:      []string{"Question"},
			},
			want: false,
		},
		{
			name: "missing flair excluded when flair filter set",
			criteria: Criteria{
				IncludeNSFW: true,
				Flairs:      []string{"Release"},
			},
			post: func(p *feed.Post) { p.Flair = nil },
			want: false,
		},
		{
			name: "missing flair matched by explicit empty string",
			criteria: Criteria{
				IncludeNSFW: true,
				Flairs:      []string{""},
			},
			post: func(p *feed.Post) { p.Flair = nil },
			want: true,
		},
		{
			name: "all dimensions conjunctive",
			criteria: Criteria{
				IncludeNSFW: true,
				Subreddits:  []string{"golang"},
				Keywords:    []string{"go"},
				MinScore:    i64ptr(10),
				IsSelf:      boolptr(true),
				Flairs:      []string{"release"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testPost()
			if tt.post != nil {
				tt.post(p)
			}
			assert.Equal(t, tt.want, Matches(p, &tt.criteria))
		})
	}
}

// Relaxing any single failing dimension to "no constraint" can only turn a
// non-match into a match, never the reverse.
func TestMatchesMonotonicity(t *testing.T) {
	t.Parallel()

	p := testPost()
	strict := Criteria{
		Subreddits:  []string{"rust"},
		Keywords:    []string{"python"},
		MinScore:    i64ptr(1000),
		IncludeNSFW: true,
		IsSelf:      boolptr(false),
		Flairs:      []string{"question"},
	}
	require.False(t, Matches(p, &strict))

	relaxations := []struct {
		name  string
		relax func(*Criteria)
	}{
		{"subreddits", func(c *Criteria) { c.Subreddits = nil }},
		{"keywords", func(c *Criteria) { c.Keywords = nil }},
		{"min_score", func(c *Criteria) { c.MinScore = nil }},
		{"is_self", func(c *Criteria) { c.IsSelf = nil }},
		{"flair", func(c *Criteria) { c.Flairs = nil }},
	}

	for _, r := range relaxations {
		c := strict
		r.relax(&c)
		before := Matches(p, &strict)
		after := Matches(p, &c)
		if before && !after {
			t.Errorf("relaxing %s turned a match into a non-match", r.name)
		}
	}

	// Relaxing every dimension matches again.
	all := Criteria{IncludeNSFW: true}
	assert.True(t, Matches(p, &all))
}
