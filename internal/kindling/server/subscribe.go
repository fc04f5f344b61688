package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ember-social/kindling/internal/kindling/filter"
	"github.com/ember-social/kindling/internal/kindling/metrics"
	"github.com/ember-social/kindling/internal/kindling/relay"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	promclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const invalidFilterMessage = "Invalid JSON payload for filter parameters."

const (
	pingInterval    = 15 * time.Second
	pingPongTimeout = 10 * time.Second
	writeTimeout    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  10 << 10,
	WriteBufferSize: 10 << 10,
	// The API is open and served with permissive CORS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is the transport side of one live subscription, tracked for
// graceful shutdown.
type session struct {
	conn      *websocket.Conn
	done      chan struct{} // closed when the handler exits
	postsSent promclient.Counter
}

// handleSubscribe manages one subscription connection: upgrade, read exactly
// one filter criteria message, register with the relay registry, then push
// matching posts from the subscriber's channel until either side disconnects.
func (s *Server) handleSubscribe(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	// The first inbound message carries the subscription's filter criteria.
	// Anything malformed gets a structured error and an immediate close,
	// without touching the registry.
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	criteria, doNotSave, err := parseSubscribePayload(payload)
	if err != nil {
		s.log.Warn("invalid subscription payload", "remote_addr", c.RealIP(), "err", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(map[string]string{"error": invalidFilterMessage})
		return nil
	}

	sub := relay.NewSubscriber(criteria, doNotSave)
	sub.RemoteAddr = c.RealIP()
	sub.UserAgent = c.Request().UserAgent()

	subID := s.registry.Add(sub)
	sess := &session{
		conn:      conn,
		done:      make(chan struct{}),
		postsSent: metrics.PostsSentTotal.WithLabelValues(sub.RemoteAddr, sub.UserAgent),
	}
	s.registerSession(subID, sess)
	defer func() {
		// Unregister first, then signal done, so closeAllSessions never
		// sees a done session that is still in the maps.
		s.unregisterSession(subID, sub, sess)
		close(sess.done)
	}()

	s.log.Info("new subscriber",
		"subscriber_id", subID,
		"remote_addr", sub.RemoteAddr,
		"user_agent", sub.UserAgent,
		"do_not_save", doNotSave,
	)

	// Track last write time for ping logic
	lastWriteMu := sync.Mutex{}
	lastWrite := time.Now()

	// Ping goroutine - keeps connection alive and detects dead clients
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				lastWriteMu.Lock()
				lw := lastWrite
				lastWriteMu.Unlock()

				// Skip ping if we wrote recently
				if time.Since(lw) < pingInterval {
					continue
				}

				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingPongTimeout)); err != nil {
					s.log.Info("failed to ping client", "subscriber_id", subID, "err", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetPingHandler(func(message string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(pingPongTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	})

	// Read and discard further inbound messages; a read error is the
	// transport's disconnect signal.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Push loop. The dispatcher fills sub's channel; this goroutine owns
	// the transport write.
	for {
		select {
		case view := <-sub.Posts():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(view); err != nil {
				s.log.Debug("failed to write post to subscriber", "subscriber_id", subID, "err", err)
				return nil
			}
			sess.postsSent.Inc()

			lastWriteMu.Lock()
			lastWrite = time.Now()
			lastWriteMu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
}

// parseSubscribePayload decodes the initial subscription message: filter
// criteria plus the optional do_not_save flag.
func parseSubscribePayload(payload []byte) (filter.Criteria, bool, error) {
	criteria := filter.Default()
	if err := json.Unmarshal(payload, &criteria); err != nil {
		return criteria, false, err
	}
	if err := criteria.Validate(); err != nil {
		return criteria, false, err
	}

	var opts struct {
		DoNotSave bool `json:"do_not_save"`
	}
	if err := json.Unmarshal(payload, &opts); err != nil {
		return criteria, false, err
	}
	return criteria, opts.DoNotSave, nil
}

func (s *Server) registerSession(id uint64, sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[id] = sess
}

func (s *Server) unregisterSession(id uint64, sub *relay.Subscriber, sess *session) {
	s.registry.Remove(id)

	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()

	var m dto.Metric
	if err := sess.postsSent.Write(&m); err != nil {
		s.log.Error("failed to read sent counter", "err", err)
	}

	s.log.Info("subscriber disconnected",
		"subscriber_id", id,
		"remote_addr", sub.RemoteAddr,
		"user_agent", sub.UserAgent,
		"posts_sent", m.Counter.GetValue(),
		"posts_dropped", sub.Dropped(),
		"connected_duration", time.Since(sub.ConnectedAt),
	)
}

// closeAllSessions gracefully closes all active subscriber connections. It
// sends WebSocket close frames in parallel and waits for handlers to exit.
func (s *Server) closeAllSessions(timeout time.Duration) {
	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	if len(sessions) == 0 {
		return
	}

	s.log.Info("closing subscriber connections", "count", len(sessions))

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = sess.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		}(sess)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		for _, sess := range sessions {
			<-sess.done
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all subscribers disconnected gracefully")
	case <-time.After(timeout):
		s.log.Warn("timeout waiting for subscribers to disconnect, forcing close")
		for _, sess := range sessions {
			go func(sess *session) {
				_ = sess.conn.Close()
			}(sess)
		}
	}
}
