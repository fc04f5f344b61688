package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSort(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"hot", "new", "top", "rising", "HOT", "New"} {
		got, err := ParseSort(s)
		require.NoError(t, err, s)
		assert.NotEmpty(t, got)
	}

	for _, s := range []string{"", "best", "controversial", "newest"} {
		_, err := ParseSort(s)
		assert.Error(t, err, s)
	}
}

func TestProjectIdempotent(t *testing.T) {
	t.Parallel()

	flair := "Discussion"
	p := &Post{
		ID:          "t3_abc",
		Title:       "a title",
		Selftext:    "a body",
		URL:         "https://example.com",
		Score:       7,
		Subreddit:   "golang",
		Author:      "gopher",
		CreatedUTC:  1700000000.0,
		Over18:      true,
		IsSelf:      true,
		Flair:       &flair,
		NumComments: 3,
	}

	a := Project(p)
	b := Project(p)
	assert.Equal(t, a, b)

	// The projection must not alias the post's pointer fields: mutating one
	// view never leaks into the post or a second projection.
	*a.Flair = "changed"
	*a.Author = "someone"
	assert.Equal(t, "Discussion", *p.Flair)
	assert.Equal(t, "gopher", p.Author)
	assert.Equal(t, "Discussion", *b.Flair)
}

func TestProjectNullables(t *testing.T) {
	t.Parallel()

	p := &Post{ID: "x", Subreddit: "pics"}
	v := Project(p)
	assert.Nil(t, v.Author, "empty author should project to null")
	assert.Nil(t, v.Flair, "missing flair should project to null")
	assert.Nil(t, v.Comments)
}
