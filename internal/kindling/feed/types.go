package feed

import (
	"fmt"
	"strings"
)

// Post is a single Reddit submission, populated at the ingestion boundary.
// Reddit's native listing JSON never leaves this package.
type Post struct {
	ID          string
	Title       string
	Selftext    string
	URL         string
	Score       int64
	Subreddit   string
	Author      string // empty when the author is unavailable
	CreatedUTC  float64
	Over18      bool
	IsSelf      bool
	Flair       *string
	NumComments int64
}

// PostView is the wire representation of a Post sent to subscribers and
// query clients. Comments is only populated when the caller asked for
// top-level comments.
type PostView struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Selftext    string   `json:"selftext"`
	URL         string   `json:"url"`
	Score       int64    `json:"score"`
	Subreddit   string   `json:"subreddit"`
	Author      *string  `json:"author"`
	CreatedUTC  float64  `json:"created_utc"`
	Over18      bool     `json:"over_18"`
	IsSelf      bool     `json:"is_self"`
	Flair       *string  `json:"flair"`
	NumComments int64    `json:"num_comments"`
	Comments    []string `json:"comments,omitempty"`
}

// Project extracts the wire representation of a post. It is pure: calling it
// twice on the same post yields identical output, and the returned view does
// not alias the post's pointer fields.
func Project(p *Post) *PostView {
	v := &PostView{
		ID:          p.ID,
		Title:       p.Title,
		Selftext:    p.Selftext,
		URL:         p.URL,
		Score:       p.Score,
		Subreddit:   p.Subreddit,
		CreatedUTC:  p.CreatedUTC,
		Over18:      p.Over18,
		IsSelf:      p.IsSelf,
		NumComments: p.NumComments,
	}
	if p.Author != "" {
		author := p.Author
		v.Author = &author
	}
	if p.Flair != nil {
		flair := *p.Flair
		v.Flair = &flair
	}
	return v
}

// Sort is a Reddit listing sort order.
type Sort string

const (
	SortHot    Sort = "hot"
	SortNew    Sort = "new"
	SortTop    Sort = "top"
	SortRising Sort = "rising"
)

// ParseSort validates a client-supplied sort name, case-insensitively.
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.ToLower(s)) {
	case SortHot:
		return SortHot, nil
	case SortNew:
		return SortNew, nil
	case SortTop:
		return SortTop, nil
	case SortRising:
		return SortRising, nil
	}
	return "", fmt.Errorf("unknown sort order: %q", s)
}
