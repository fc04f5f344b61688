package relay

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/ember-social/kindling/internal/kindling/filter"
	"github.com/ember-social/kindling/internal/kindling/metrics"
)

// Feed is the upstream collaborator the dispatcher pulls from.
type Feed interface {
	// Stream blocks, invoking fn for each new post in arrival order, until
	// the context is cancelled or the stream fails.
	Stream(ctx context.Context, fn func(context.Context, *feed.Post) error) error
	// Comments returns up to limit top-level comment bodies for a post.
	Comments(ctx context.Context, postID string, limit int) ([]string, error)
}

// Archiver receives copies of delivered posts for long-term storage.
type Archiver interface {
	SavePosts(ctx context.Context, posts []*feed.PostView) error
}

// Dispatcher is the single long-running fan-out loop. Posts are processed
// strictly in arrival order: all subscriber dispatch and archival for post N
// completes before post N+1 is read.
type Dispatcher struct {
	log      *slog.Logger
	feed     Feed
	registry *Registry
	archiver Archiver // nil disables archival

	running atomic.Bool
}

func NewDispatcher(log *slog.Logger, f Feed, reg *Registry, archiver Archiver) *Dispatcher {
	return &Dispatcher{
		log:      log.With("component", "dispatcher"),
		feed:     f,
		registry: reg,
		archiver: archiver,
	}
}

// Running reports whether the dispatch loop is still alive. It goes false
// when the upstream stream fails fatally, which the health endpoint surfaces.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run consumes the upstream stream until the context is cancelled or the
// stream fails. A stream failure is fatal to live delivery: there is no
// automatic restart, and pull queries are unaffected.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	metrics.StreamConnected.Set(1)
	defer func() {
		d.running.Store(false)
		metrics.StreamConnected.Set(0)
	}()

	d.log.Info("dispatcher started")

	err := d.feed.Stream(ctx, d.handlePost)
	if err != nil && ctx.Err() == nil {
		d.log.Error("live stream terminated", "err", err)
		return err
	}

	d.log.Info("dispatcher stopped")
	return nil
}

// handlePost fans one post out to every matching subscriber, then performs
// at most one archival submission for it. Per-subscriber and archival
// failures never stop the loop.
func (d *Dispatcher) handlePost(ctx context.Context, p *feed.Post) error {
	metrics.PostsReceivedTotal.Inc()

	subs := d.registry.Snapshot()
	if len(subs) == 0 {
		return nil
	}

	var matched []*Subscriber
	// Aggregates across matching subscribers: whether any of them wants the
	// post archived, and the largest comment fetch any matcher needs.
	archive := false
	archiveComments := 0
	maxComments := 0
	for _, sub := range subs {
		if !filter.Matches(p, &sub.Criteria) {
			continue
		}
		matched = append(matched, sub)
		metrics.PostsMatchedTotal.Inc()

		want := 0
		if sub.Criteria.FetchComments {
			want = sub.Criteria.CommentsLimit
		}
		if want > maxComments {
			maxComments = want
		}
		if !sub.NoArchive {
			archive = true
			if want > archiveComments {
				archiveComments = want
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// Fetch comments once at the largest limit any matcher asked for, and
	// hand each subscriber a prefix of that fetch.
	var comments []string
	if maxComments > 0 {
		var err error
		comments, err = d.feed.Comments(ctx, p.ID, maxComments)
		if err != nil {
			d.log.Warn("comment fetch failed", "post", p.ID, "err", err)
			comments = nil
		}
	}

	view := feed.Project(p)
	for _, sub := range matched {
		out := view
		if sub.Criteria.FetchComments {
			withComments := *view
			withComments.Comments = prefix(comments, sub.Criteria.CommentsLimit)
			out = &withComments
		}
		if !sub.send(out) {
			metrics.DroppedPostsTotal.Inc()
			d.log.Warn("subscriber buffer full, dropping post",
				"subscriber_id", sub.ID,
				"post", p.ID,
			)
		}
	}

	if archive && d.archiver != nil {
		entry := *view
		if archiveComments > 0 {
			entry.Comments = prefix(comments, archiveComments)
		}
		if err := d.archiver.SavePosts(ctx, []*feed.PostView{&entry}); err != nil {
			metrics.ArchivePostsTotal.WithLabelValues(metrics.StatusError).Inc()
			d.log.Error("archival submission failed", "post", p.ID, "err", err)
		} else {
			metrics.ArchivePostsTotal.WithLabelValues(metrics.StatusOK).Inc()
		}
	}

	return nil
}

func prefix(comments []string, limit int) []string {
	if limit <= 0 || len(comments) == 0 {
		return nil
	}
	if limit > len(comments) {
		limit = len(comments)
	}
	return comments[:limit]
}
