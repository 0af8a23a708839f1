// Package signal is the persistent bidirectional signaling channel: a
// websocket carrying client requests in and room notifications out.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dstrelka/huddle/internal/app"
	"github.com/dstrelka/huddle/internal/config"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades signaling connections and binds each to its own
// coordinator.
type Controller struct {
	rooms   *core.RoomManager
	cfg     *config.Config
	limiter *JoinRateLimiter
}

func NewController(rooms *core.RoomManager, cfg *config.Config) *Controller {
	return &Controller{
		rooms:   rooms,
		cfg:     cfg,
		limiter: NewJoinRateLimiter(10, time.Minute),
	}
}

// WsConn is one websocket leg. It implements core.NotificationChannel:
// room events and request replies share the buffered send channel, so
// ordering between a reply and the events that follow it is preserved.
type WsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.trySendRaw(b)
}

func (c *WsConn) trySendRaw(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and starts the connection's pumps.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("conn", connID).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	coord := app.NewCoordinator(ctl.rooms, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, connID, conn, coord)
}
