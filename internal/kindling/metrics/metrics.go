package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kindling"

// Subscriber metrics
var (
	// ActiveSubscribers tracks the current number of connected WebSocket subscribers
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "active_subscribers",
		Namespace: namespace,
		Help:      "Current number of active WebSocket subscribers",
	})

	// SubscriberConnections tracks the total number of subscriber connections (including disconnects)
	SubscriberConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "subscriber_connections_total",
		Namespace: namespace,
		Help:      "Total number of subscriber connections",
	})

	// PostsSentTotal tracks posts written to subscriber connections
	PostsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "posts_sent_total",
		Namespace: namespace,
		Help:      "Total number of posts sent to subscribers",
	}, []string{"remote_addr", "user_agent"})

	// DroppedPostsTotal tracks posts dropped because a subscriber's buffer was full
	DroppedPostsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "dropped_posts_total",
		Namespace: namespace,
		Help:      "Total number of posts dropped due to full subscriber buffers",
	})
)

// Dispatcher metrics (upstream stream)
var (
	// PostsReceivedTotal tracks posts received from the upstream stream
	PostsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "posts_received_total",
		Namespace: namespace,
		Help:      "Total number of posts received from the upstream stream",
	})

	// PostsMatchedTotal tracks (post, subscriber) filter matches
	PostsMatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "posts_matched_total",
		Namespace: namespace,
		Help:      "Total number of post/subscriber filter matches",
	})

	// StreamConnected indicates whether the live dispatcher is running (1=running, 0=stopped)
	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "stream_connected",
		Namespace: namespace,
		Help:      "Whether the live stream dispatcher is running (1=running, 0=stopped)",
	})
)

// Archival sink metrics
var (
	// ArchivePostsTotal tracks posts submitted to the archival sink, by outcome
	ArchivePostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "archive_posts_total",
		Namespace: namespace,
		Help:      "Total number of posts submitted to the archival sink",
	}, []string{"status"})
)

// Status label values
const (
	StatusOK    = "ok"
	StatusError = "error"
)
