// ABOUTME: Persistent per-player connection carrying audera frames over WebSocket
// ABOUTME: Handles dialing, upgrading, serialized frame writes and keepalive pings
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/audera/audera-go/internal/protocol"
	"github.com/gorilla/websocket"
)

// Path is the HTTP endpoint players serve the connection on.
const Path = "/audera"

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Config holds connection timing
type Config struct {
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Conn is one persistent connection. Whole frames are written under a
// mutex so concurrent senders never interleave frame boundaries.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		closed: make(chan struct{}),
	}

	ws.SetReadLimit(protocol.HeaderSize + protocol.MaxPayload)
	if cfg.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}
	return c
}

// Dial connects to a player at addr (host:port).
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: Path}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return newConn(ws, cfg), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Streamers on the local network have no browser origin
		return true
	},
}

// Upgrade accepts an incoming connection on the player's HTTP endpoint.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newConn(ws, cfg), nil
}

// Send writes one frame.
func (c *Conn) Send(m protocol.Message) error {
	return c.SendFunc(func() (protocol.Message, error) { return m, nil })
}

// SendFunc builds the frame while holding the write lock, right before it
// goes on the wire. Sync replies use it to stamp their send time late.
func (c *Conn) SendFunc(build func() (protocol.Message, error)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	m, err := build()
	if err != nil {
		return err
	}
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	if c.cfg.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// Receive blocks for the next frame. Anything other than a well-formed
// binary frame is a protocol violation.
func (c *Conn) Receive() (protocol.Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return protocol.Message{}, ErrClosed
		default:
		}
		return protocol.Message{}, err
	}
	if c.cfg.PongWait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
	if kind != websocket.BinaryMessage {
		return protocol.Message{}, fmt.Errorf("%w: websocket message type %d", protocol.ErrMalformed, kind)
	}
	return protocol.Parse(data)
}

// KeepAlive pings the remote end until ctx is done or the connection closes.
func (c *Conn) KeepAlive(ctx context.Context) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// closeGrace is how long Close waits for a frame in flight before cutting
// the socket underneath a stuck writer.
const closeGrace = 250 * time.Millisecond

// Close shuts the connection down. A frame being written gets closeGrace to
// finish.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		locked := make(chan struct{})
		go func() {
			c.writeMu.Lock()
			close(locked)
		}()

		select {
		case <-locked:
			close(c.closed)
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.ws.Close()
			c.writeMu.Unlock()
		case <-time.After(closeGrace):
			close(c.closed)
			err = c.ws.Close()
			go func() {
				<-locked
				c.writeMu.Unlock()
			}()
		}
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
