package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var (
	errClientClosed = errors.New("gateway: client closed")
	errClientSlow   = errors.New("gateway: client send buffer full")
)

// client owns one websocket. All writes and the final close go through a
// single loop; Send only queues.
type client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	once   sync.Once
}

func newClient(parent context.Context, conn *websocket.Conn, log zerolog.Logger) *client {
	ctx, cancel := context.WithCancel(parent)
	c := &client{
		conn:   conn,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, sendBuffer),
	}
	go c.writeLoop()
	return c
}

// Send queues ev. A client that cannot keep up is closed.
func (c *client) Send(ev Event) error {
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	default:
		c.log.Warn().Str("type", ev.Type).Msg("ws - send - buffer full, closing")
		c.Close()
		return errClientSlow
	}
}

// Done is closed once the client is closed.
func (c *client) Done() <-chan struct{} { return c.ctx.Done() }

// Close stops accepting events. The write loop flushes what is queued and
// then closes the socket.
func (c *client) Close() {
	c.once.Do(c.cancel)
}

// ReadLoop calls onMsg for every text frame until the socket fails or closes.
func (c *client) ReadLoop(onMsg func([]byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("ws - read - unexpected close")
			}
			return
		}
		if len(msg) > 0 {
			onMsg(msg)
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case b := <-c.out:
					if c.write(websocket.TextMessage, b) != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}
		case b := <-c.out:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("ws - write - failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(kind int, b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, b)
}
