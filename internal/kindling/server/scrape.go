package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/ember-social/kindling/internal/kindling/filter"
	"github.com/ember-social/kindling/internal/kindling/metrics"
	"github.com/labstack/echo/v4"
)

const invalidSortMessage = "Invalid sort_by parameter. Use 'hot', 'new', 'top', or 'rising'."

const defaultScrapeLimit = 10

type scrapeResponse struct {
	Posts []*feed.PostView `json:"posts"`
}

// handleScrape performs a one-time pull query: fetch 2x the requested limit
// to compensate for filtering attrition, apply the filter, and return up to
// limit projected posts in upstream order. The result batch is archived
// once unless the caller opts out.
func (s *Server) handleScrape(c echo.Context) error {
	ctx := c.Request().Context()

	criteria, err := criteriaFromQuery(c)
	if err != nil {
		return err
	}

	sort, err := feed.ParseSort(queryDefault(c, "sort_by", string(feed.SortHot)))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidSortMessage)
	}

	limit, err := intParam(c, "limit", defaultScrapeLimit)
	if err != nil {
		return err
	}
	if limit < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}

	doNotSave, err := boolParam(c, "do_not_save", false)
	if err != nil {
		return err
	}

	posts, err := s.feed.Pull(ctx, criteria.Subreddits, sort, 2*limit)
	if err != nil {
		s.log.Error("upstream pull failed", "sort", sort, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch posts from upstream")
	}

	results := make([]*feed.PostView, 0, limit)
	for _, p := range posts {
		if !filter.Matches(p, &criteria) {
			continue
		}
		view := feed.Project(p)
		if criteria.FetchComments {
			comments, err := s.feed.Comments(ctx, p.ID, criteria.CommentsLimit)
			if err != nil {
				s.log.Warn("comment fetch failed", "post", p.ID, "err", err)
			} else {
				view.Comments = comments
			}
		}
		results = append(results, view)
		if len(results) >= limit {
			break
		}
	}

	if !doNotSave && s.archiver != nil && len(results) > 0 {
		if err := s.archiver.SavePosts(ctx, results); err != nil {
			metrics.ArchivePostsTotal.WithLabelValues(metrics.StatusError).Inc()
			s.log.Error("archival submission failed", "count", len(results), "err", err)
		} else {
			metrics.ArchivePostsTotal.WithLabelValues(metrics.StatusOK).Inc()
		}
	}

	return c.JSON(http.StatusOK, scrapeResponse{Posts: results})
}

// criteriaFromQuery builds filter criteria from the flattened /scrape query
// parameters, rejecting malformed values with a 400.
func criteriaFromQuery(c echo.Context) (filter.Criteria, error) {
	criteria := filter.Default()

	criteria.Subreddits = listParam(c, "subreddits")
	criteria.Keywords = listParam(c, "keywords")
	criteria.Flairs = listParam(c, "flair")

	if raw := c.QueryParam("min_score"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return criteria, echo.NewHTTPError(http.StatusBadRequest, "invalid min_score parameter")
		}
		criteria.MinScore = &v
	}

	var err error
	criteria.IncludeNSFW, err = boolParam(c, "include_nsfw", true)
	if err != nil {
		return criteria, err
	}

	if raw := c.QueryParam("is_self"); raw != "" {
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			return criteria, echo.NewHTTPError(http.StatusBadRequest, "invalid is_self parameter")
		}
		criteria.IsSelf = &v
	}

	criteria.FetchComments, err = boolParam(c, "fetch_comments", false)
	if err != nil {
		return criteria, err
	}

	criteria.CommentsLimit, err = intParam(c, "comments_limit", criteria.CommentsLimit)
	if err != nil {
		return criteria, err
	}

	if err := criteria.Validate(); err != nil {
		return criteria, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return criteria, nil
}

// listParam collects a repeatable query parameter, also splitting each
// occurrence on commas, e.g. ?subreddits=golang,programming.
func listParam(c echo.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryParams()[name] {
		for _, part := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func queryDefault(c echo.Context, name, fallback string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	return fallback
}

func boolParam(c echo.Context, name string, fallback bool) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return v, nil
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return v, nil
}
