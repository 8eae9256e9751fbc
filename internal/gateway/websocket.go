package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vinayprograms/orchestrator/internal/events"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 4096
)

// conn serializes writes; gorilla allows one concurrent writer per connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.origins == nil {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins[origin]
		},
	}
}

// streamEvents serves GET /ws/runs/{id}/events?from_seq=N: events with seq > N are
// replayed, then live events follow until the terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var fromSeq int64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "from_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		fromSeq = n
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}

	s.metrics.WSConnected(1)
	defer s.metrics.WSConnected(-1)
	logger := s.logger.WithTraceID(runID)
	logger.Debug("websocket connected", map[string]interface{}{"from_seq": fromSeq})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(c, cancel)

	if err := s.writePump(ctx, c, runID, fromSeq); err != nil {
		logger.Debug("websocket closed", map[string]interface{}{"reason": err.Error()})
	}
}

// readPump answers client pings and cancels ctx when the client goes away.
func (s *Server) readPump(c *conn, cancel context.CancelFunc) {
	defer cancel()
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			c.writeJSON(map[string]string{"type": "pong"})
		}
	}
}

// writePump sends the backlog after lastSeq, then live events. A subscriber cut
// off for lagging resubscribes and replays from its last delivered seq.
func (s *Server) writePump(ctx context.Context, c *conn, runID string, lastSeq int64) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		// Subscribe before replaying so nothing emitted in between is lost.
		live, unsubscribe := s.emitter.Subscribe(runID)
		done, err := s.catchUp(ctx, c, runID, &lastSeq)
		if err == nil && !done {
			done, err = s.forward(ctx, c, live, ping.C, &lastSeq)
		}
		unsubscribe()
		if err != nil || done {
			return err
		}
	}
}

// catchUp sends replayed events with seq > *lastSeq. done is true once the terminal
// event went out, or when the run is unknown or already gone.
func (s *Server) catchUp(ctx context.Context, c *conn, runID string, lastSeq *int64) (bool, error) {
	done, err := s.replay(ctx, c, runID, lastSeq)
	if err != nil || done {
		return done, err
	}

	switch s.emitter.Tracker().Status(runID) {
	case "":
		// Lifecycle entries only disappear after a terminal event.
		if *lastSeq == 0 {
			c.close(websocket.ClosePolicyViolation, "run not found")
		} else {
			c.close(websocket.CloseNormalClosure, "run finished")
		}
		return true, nil
	case events.RunTerminal:
		// The terminal event may have landed after the first replay.
		if done, err := s.replay(ctx, c, runID, lastSeq); err != nil || done {
			return done, err
		}
		c.close(websocket.CloseNormalClosure, "run finished")
		return true, nil
	}
	return false, nil
}

func (s *Server) replay(ctx context.Context, c *conn, runID string, lastSeq *int64) (bool, error) {
	backlog, err := s.emitter.Replay(ctx, runID, *lastSeq)
	if err != nil {
		s.logger.WithTraceID(runID).Warn("event replay failed", map[string]interface{}{"error": err.Error()})
	}
	for _, ev := range backlog {
		if ev.Seq <= *lastSeq {
			continue
		}
		if err := c.writeJSON(ev); err != nil {
			return true, err
		}
		*lastSeq = ev.Seq
		if events.IsTerminal(ev.Type) {
			c.close(websocket.CloseNormalClosure, "run finished")
			return true, nil
		}
	}
	return false, nil
}

// forward relays live events. It returns done=false when the subscription was
// closed under it and the caller should resubscribe.
func (s *Server) forward(ctx context.Context, c *conn, live <-chan events.Event, ping <-chan time.Time, lastSeq *int64) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ping:
			if err := c.ping(); err != nil {
				return true, err
			}
		case ev, ok := <-live:
			if !ok {
				return false, nil
			}
			if ev.Seq != 0 && ev.Seq <= *lastSeq {
				continue
			}
			if err := c.writeJSON(ev); err != nil {
				return true, err
			}
			if ev.Seq > *lastSeq {
				*lastSeq = ev.Seq
			}
			if events.IsTerminal(ev.Type) {
				c.close(websocket.CloseNormalClosure, "run finished")
				return true, nil
			}
		}
	}
}
