// Package ingest accepts health-event messages from check-execution workers
// over a message-oriented WebSocket and hands them to the dispatch
// coordinator. Malformed messages are dropped and logged; queue saturation
// becomes backpressure on the connection.
package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/reactsink/internal/config"
	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/metrics"
	"github.com/gyaneshwarpardhi/reactsink/internal/sink"
)

const maxMessageBytes = 1 << 20

// Listener upgrades worker connections and pumps their event messages into
// the coordinator.
type Listener struct {
	coord    *sink.Coordinator
	loader   *config.Loader
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	loops  sync.WaitGroup
}

// NewListener creates a Listener. Live ingest-rate settings come from the
// loader snapshot at connection time.
func NewListener(coord *sink.Coordinator, loader *config.Loader) *Listener {
	return &Listener{
		coord:  coord,
		loader: loader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Workers are internal producers; origin checks belong to the
			// fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Close stops accepting, severs every worker connection, and waits for
// their read loops to exit. Server.Shutdown does not reach hijacked
// connections, and the coordinator must not drain while a read loop can
// still submit, so main calls this between Shutdown and the drain.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	conns := make([]*websocket.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	l.loops.Wait()
}

func (l *Listener) track(c *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	l.loops.Add(1)
	return true
}

func (l *Listener) untrack(c *websocket.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
	l.loops.Done()
}

// ServeHTTP upgrades the connection and reads one JSON HealthEvent per
// message until the worker disconnects or the server shuts down.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ingest upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	if !l.track(conn) {
		return
	}
	defer l.untrack(conn)
	conn.SetReadLimit(maxMessageBytes)

	cfg := l.loader.Config().Sink
	var limiter *rate.Limiter
	if cfg.IngestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst)
	}

	ctx := r.Context()
	slog.Info("check worker connected", "remote", r.RemoteAddr)
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("check worker connection lost", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		metrics.EventsReceived.Inc()

		ev, ok := decode(raw)
		if !ok {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		// Blocking submit: a saturated queue delays the next read instead
		// of dropping the message.
		if err := l.coord.SubmitWait(ctx, ev); err != nil {
			return
		}
	}
}

// decode unmarshals and validates one message. Invalid messages are dropped
// with a diagnostic, never raised to the connection.
func decode(raw []byte) (*event.HealthEvent, bool) {
	var ev event.HealthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.EventsInvalid.Inc()
		slog.Warn("dropping malformed event message", "err", err)
		return nil, false
	}
	if err := ev.Validate(); err != nil {
		metrics.EventsInvalid.Inc()
		slog.Warn("dropping incomplete event", "uid", ev.UID, "err", err)
		return nil, false
	}
	ev.ReceivedAt = time.Now()
	return &ev, true
}
