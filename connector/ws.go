package connector

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one live websocket session. Control writes are serialized and
// throttled; the read deadline is refreshed by inbound traffic and pongs so
// a silent connection eventually fails the read loop and triggers a
// reconnect.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	limiter      *rate.Limiter
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// Dial establishes a websocket session. The handshake is bounded by the
// configured dial timeout so a hung TCP handshake cannot stall the
// reconnect loop.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:           ws,
		limiter:      rate.NewLimiter(rate.Limit(opts.SubscribeRPS), opts.SubscribeBurst),
		writeTimeout: opts.WriteTimeout,
		readTimeout:  3 * opts.PingInterval,
	}
	ws.SetReadLimit(1 << 22)
	_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c, nil
}

// WriteControl sends one vendor control message (subscribe/unsubscribe),
// honoring the per-venue rate limit.
func (c *Conn) WriteControl(ctx context.Context, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

// ReadMessage returns the next raw frame and refreshes the read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	return msg, nil
}

// KeepAlive pings the peer until the context is cancelled or the
// connection dies. Run it in its own goroutine per session.
func (c *Conn) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
