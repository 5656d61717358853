package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperr "github.com/kandev/acprunner/internal/common/errors"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStreamWorker relays a worker's bus events to a websocket until the
// worker's result has been sent or the client disconnects.
// WS /api/v1/workers/:id/stream
func (s *Server) handleStreamWorker(c *gin.Context) {
	id := c.Param("id")
	session, ok := s.manager.Get(id)
	if !ok {
		writeError(c, apperr.NotFound("worker", id))
		return
	}
	if s.eventBus == nil {
		writeError(c, apperr.ServiceUnavailable("events", nil))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.String("worker_id", id), zap.Error(err))
		return
	}

	st := newStream(conn, s.logger.WithWorkerID(id))
	ctx := c.Request.Context()

	// Queued before subscribing so the snapshot is always the first frame.
	_ = st.enqueue(ctx, bus.NewEvent(bus.EventWorkerSnapshot, id, session.Snapshot()))

	sub, err := s.eventBus.Subscribe(bus.WorkerWildcard(id), st.enqueue)
	if err != nil {
		s.logger.Error("failed to subscribe to worker events", zap.String("worker_id", id), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// The result may have been published before the subscription existed.
	go func() {
		select {
		case <-session.Done():
			_ = st.enqueue(ctx, bus.NewEvent(bus.EventWorkerResult, id, map[string]any{
				"worker_id": id,
				"result":    session.Result(),
			}))
		case <-st.done:
		}
	}()

	s.logger.Debug("worker stream opened", zap.String("worker_id", id))
	go st.readPump()
	st.writePump()
	s.logger.Debug("worker stream closed", zap.String("worker_id", id))
}

// stream is one websocket subscriber.
type stream struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger

	// mu serialises enqueue so nothing is queued after the result.
	mu sync.Mutex
}

func newStream(conn *websocket.Conn, log *logger.Logger) *stream {
	return &stream{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: log,
	}
}

func (s *stream) finish() {
	s.once.Do(func() { close(s.done) })
}

// enqueue is the bus handler. It never blocks the publisher.
func (s *stream) enqueue(_ context.Context, event *bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("dropping stream event, client too slow", zap.String("event_type", event.Type))
	}
	if event.Type == bus.EventWorkerResult {
		s.finish()
	}
	return nil
}

// readPump discards client messages and ends the stream when the client
// goes away.
func (s *stream) readPump() {
	defer s.finish()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if !s.write(msg) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case msg := <-s.send:
					if !s.write(msg) {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker finished"))
					return
				}
			}
		}
	}
}

func (s *stream) write(msg []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg) == nil
}
