// Package wsbridge upgrades requests to WebSocket channels and runs the
// per-channel listener loop that owns each connection after the handoff.
package wsbridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/debug"
	"github.com/rhuss/sitehost/pkg/observability"
	"github.com/rhuss/sitehost/pkg/transport"
)

// HTTPExchange is implemented by Transport requests backed by net/http. The
// bridge needs the underlying writer to take over the connection.
type HTTPExchange interface {
	HTTPRequest() *http.Request
	HTTPResponseWriter() http.ResponseWriter
}

// Config holds the channel limits.
type Config struct {
	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	// ReadTimeout closes a channel that received neither data nor a pong
	// for this long.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// MaxChannels caps open channels. Zero means unlimited.
	MaxChannels int

	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header. Nil accepts same-origin
	// requests only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReadLimit:    64 * 1024,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Bridge owns the table of open WebSocket channels.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader
	channels *transport.InFlight[*Channel]
	logger   *slog.Logger
}

// New creates a Bridge. Zero limits in cfg fall back to DefaultConfig.
// Channels log through logger, so they inherit the server's sink and level.
func New(cfg Config, logger *slog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		channels: transport.NewInFlight[*Channel](),
		logger:   logger,
	}
}

// Upgrade performs the WebSocket handshake for msg and registers the
// channel. On success msg is answered: the request now belongs to the
// channel. A failed handshake has already been answered by the upgrader and
// also leaves msg answered; capacity and transport errors leave msg for the
// caller to answer.
func (b *Bridge) Upgrade(req api.Request, msg *api.Message) (*Channel, error) {
	if b.cfg.MaxChannels > 0 && b.channels.Len() >= b.cfg.MaxChannels {
		b.logger.Warn("websocket upgrade rejected", "reason", "capacity", "max", b.cfg.MaxChannels)
		return nil, &api.Error{Kind: api.ErrorKindServer, Status: http.StatusServiceUnavailable, Message: "websocket channel capacity reached"}
	}
	ex, ok := req.(HTTPExchange)
	if !ok {
		return nil, api.NewProtocolError(http.StatusNotImplemented, "transport does not support websocket upgrades")
	}

	conn, err := b.upgrader.Upgrade(ex.HTTPResponseWriter(), ex.HTTPRequest(), nil)
	if err != nil {
		msg.MarkAnswered()
		b.logger.Info("websocket handshake failed", "request_id", msg.RequestID, "error", err)
		return nil, api.NewProtocolError(http.StatusBadRequest, "websocket handshake failed")
	}

	id := msg.ConnID
	if id == "" {
		id = api.NewConnectionID()
	}
	ch := &Channel{
		id:       id,
		conn:     conn,
		site:     msg.Site,
		identity: msg.Identity(),
		cfg:      b.cfg,
		logger:   b.logger.With("conn_id", id, "request_id", msg.RequestID),
		done:     make(chan struct{}),
	}
	if msg.Site != nil {
		ch.unhook = msg.Site.OnStop(func() { b.Close(ch) })
	}
	if !b.channels.Register(id, ch) {
		if ch.unhook != nil {
			ch.unhook()
		}
		conn.Close()
		msg.MarkAnswered()
		return nil, &api.Error{Kind: api.ErrorKindProgrammer, Status: http.StatusInternalServerError, Message: "connection already owns a websocket channel"}
	}
	observability.ActiveChannels.Inc()
	msg.MarkAnswered()
	debug.Log(debug.WebSocket, "websocket channel opened", "conn_id", id)
	return ch, nil
}

// Serve runs the listener loop of ch until the peer goes away, the handler
// returns an error, ctx ends or the channel is closed. Every inbound message
// is passed to h.
func (b *Bridge) Serve(ctx context.Context, ch *Channel, h api.ChannelHandler) {
	defer b.Close(ch)

	conn := ch.conn
	conn.SetReadLimit(b.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	})

	go b.pingLoop(ctx, ch)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				ch.logger.Info("websocket message too large", "limit", b.cfg.ReadLimit)
				ch.close(websocket.CloseMessageTooBig, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				select {
				case <-ch.done:
				default:
					ch.logger.Warn("websocket read error", "error", err)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		debug.Trace(debug.WebSocket, "websocket message", "conn_id", ch.id, "type", mt, "bytes", len(data))

		if h == nil {
			continue
		}
		if err := h.ServeChannel(ctx, ch, mt, data); err != nil {
			ch.logger.Info("websocket handler closed channel", "error", err)
			ch.close(websocket.CloseInternalServerErr, "")
			return
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, ch *Channel) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ch.ping(); err != nil {
				ch.logger.Debug("websocket ping failed", "error", err)
				b.Close(ch)
				return
			}
		case <-ctx.Done():
			b.Close(ch)
			return
		case <-ch.done:
			return
		}
	}
}

// Close unregisters ch and closes it. Closing twice is a no-op.
func (b *Bridge) Close(ch *Channel) {
	b.closeWith(ch, websocket.CloseNormalClosure, "")
}

func (b *Bridge) closeWith(ch *Channel, code int, reason string) {
	if ch == nil {
		return
	}
	if _, ok := b.channels.Take(ch.id); !ok {
		return
	}
	observability.ActiveChannels.Dec()
	if ch.unhook != nil {
		ch.unhook()
	}
	if err := ch.close(code, reason); err != nil {
		ch.logger.Debug("websocket close", "error", err)
	}
	debug.Log(debug.WebSocket, "websocket channel closed", "conn_id", ch.id)
}

// CloseAll closes every open channel with a going-away status and removes
// it from the table.
func (b *Bridge) CloseAll() {
	for _, ch := range b.channels.Snapshot() {
		b.closeWith(ch, websocket.CloseGoingAway, "server shutting down")
	}
}

// Get returns the open channel for a connection id.
func (b *Bridge) Get(id string) (*Channel, bool) {
	return b.channels.Get(id)
}

// Count returns the number of open channels.
func (b *Bridge) Count() int {
	return b.channels.Len()
}
