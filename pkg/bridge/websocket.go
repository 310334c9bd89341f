package bridge

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"issuebridge/pkg/metrics"
	"issuebridge/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const EventReady = "ready"

// wsChannel is one upgraded client connection. open is cleared as soon as
// a read or write fails.
type wsChannel struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	open         atomic.Bool
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	ch := &wsChannel{id: uuid.NewString(), conn: conn, writeTimeout: writeTimeout}
	ch.open.Store(true)
	return ch
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Open() bool { return c.open.Load() }

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.open.Store(false)
	return c.conn.CloseNow()
}

// readLoop discards client messages and returns once the peer is gone.
func (c *wsChannel) readLoop(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			c.open.Store(false)
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins.WebSocketPatterns(),
	})
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	ch := newWSChannel(conn, s.cfg.WriteTimeout)
	ctx := r.Context()

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = wsjson.Write(writeCtx, conn, stream.NewEventAt(EventReady, s.clock.Now(), nil))
	cancel()
	if err != nil {
		_ = conn.CloseNow()
		return
	}

	if !s.register(ch) {
		_ = conn.CloseNow()
		return
	}
	s.metrics.Inc(metrics.WSConnections)
	s.metrics.SetGauge(metrics.GaugeClients, float64(s.clients.Len()))
	s.log.Info("websocket client connected", "client", ch.ID())

	ch.readLoop(ctx)

	s.clients.Remove(ch.ID())
	s.metrics.SetGauge(metrics.GaugeClients, float64(s.clients.Len()))
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
	s.log.Info("websocket client disconnected", "client", ch.ID())
}

// register adds ch unless the server has left Running. Shutdown does not
// wait for hijacked connections, so a handler can get here after Stop
// cleared the set.
func (s *Server) register(ch stream.Channel) bool {
	s.clients.Add(ch)
	if s.State() == Running {
		return true
	}
	s.clients.Remove(ch.ID())
	return false
}
