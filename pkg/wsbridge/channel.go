package wsbridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
)

// Channel is one upgraded WebSocket connection. Writes are serialized; only
// the listener loop reads.
type Channel struct {
	id       string
	conn     *websocket.Conn
	site     *api.Site
	identity *auth.Identity
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	unhook func()

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ api.Channel = (*Channel)(nil)

// ID returns the connection id.
func (c *Channel) ID() string { return c.id }

// Site returns the site the channel was opened on.
func (c *Channel) Site() *api.Site { return c.site }

// Identity returns the identity captured at upgrade, or nil.
func (c *Channel) Identity() *auth.Identity { return c.identity }

// Logger returns the channel logger.
func (c *Channel) Logger() *slog.Logger { return c.logger }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send writes one message of the given websocket message type.
func (c *Channel) Send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a normal close frame and closes the connection. It does not
// unregister the channel; the listener loop does that when it exits.
func (c *Channel) Close() error {
	return c.close(websocket.CloseNormalClosure, "")
}

func (c *Channel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Channel) close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
		c.mu.Unlock()
		close(c.done)
	})
	return c.closeErr
}
