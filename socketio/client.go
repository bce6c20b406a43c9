// Package socketio is a minimal Socket.IO v4 client over the websocket
// transport. It speaks only the default namespace and text packets.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

var ErrNotConnected = errors.New("socket is not connected")

// Handler receives the first argument of an event. Handlers run on the read
// goroutine and must not block.
type Handler func(payload json.RawMessage)

type Client struct {
	endpoint string
	dialer   *websocket.Dialer
	header   http.Header

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	connMu    sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool
	done      chan struct{}

	logger *log.Entry
}

// Endpoint maps a server URL to its Engine.IO websocket endpoint.
func Endpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("socket url has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func New(rawURL string, header http.Header) (*Client, error) {
	endpoint, err := Endpoint(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		header:   header,
		handlers: make(map[string][]Handler),
		logger:   log.WithFields(log.Fields{"module": "socketio"}),
	}, nil
}

func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Tracef("no handler for event %s", event)
		return
	}
	for _, h := range handlers {
		h(payload)
	}
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(reason)
	return b
}

// Connect dials the server and completes the namespace handshake. A failed
// handshake is also delivered to connect_error handlers.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return errors.New("socket already connected")
	}
	c.closing.Store(false)

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
	if err != nil {
		c.connMu.Unlock()
		err = fmt.Errorf("failed to dial %s: %w", c.endpoint, err)
		c.dispatch(EventConnectError, reasonPayload(err.Error()))
		return err
	}

	open, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		c.connMu.Unlock()
		c.dispatch(EventConnectError, reasonPayload(err.Error()))
		return err
	}

	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.connected.Store(true)
	c.connMu.Unlock()

	timeout := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	c.logger.Debugf("connected, sid=%s", open.SID)
	c.dispatch(EventConnect, nil)
	go c.readLoop(conn, done, timeout)
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (openPayload, error) {
	var open openPayload

	deadline := time.Now().Add(20 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("failed to read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != engineOpen {
		return open, fmt.Errorf("unexpected first packet %q", string(msg))
	}
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return open, fmt.Errorf("invalid open packet: %w", err)
	}

	if err := c.writeRaw(conn, string([]byte{engineMessage, packetConnect})); err != nil {
		return open, fmt.Errorf("failed to send connect packet: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("failed to read connect ack: %w", err)
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case enginePing:
			if err := c.writeRaw(conn, string(enginePong)); err != nil {
				return open, err
			}
		case engineMessage:
			p, err := decodePacket(string(msg[1:]))
			if err != nil {
				return open, err
			}
			switch p.Type {
			case packetConnect:
				return open, nil
			case packetConnectError:
				return open, fmt.Errorf("server refused connection: %s", string(p.Data))
			}
		case engineClose:
			return open, errors.New("server closed during handshake")
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, timeout time.Duration) {
	reason := "transport close"
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		conn.Close()
		if c.closing.Load() {
			reason = "io client disconnect"
		}
		c.logger.Debugf("disconnected: %s", reason)
		c.dispatch(EventDisconnect, reasonPayload(reason))
		close(done)
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "ping timeout"
			} else if !c.closing.Load() {
				reason = "transport error"
			}
			return
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case enginePing:
			if err := c.writeRaw(conn, string(enginePong)); err != nil {
				c.logger.Warnf("failed to answer ping: %v", err)
			}
		case engineClose:
			reason = "transport close"
			return
		case engineNoop, enginePong, engineUpgrade:
		case engineMessage:
			p, err := decodePacket(string(msg[1:]))
			if err != nil {
				c.logger.Warnf("dropping packet: %v", err)
				continue
			}
			if p.Namespace != "/" {
				continue
			}
			switch p.Type {
			case packetEvent:
				name, payload, err := splitEvent(p.Data)
				if err != nil {
					c.logger.Warnf("dropping event: %v", err)
					continue
				}
				c.dispatch(name, payload)
			case packetDisconnect:
				reason = "io server disconnect"
				return
			case packetConnectError:
				c.dispatch(EventConnectError, p.Data)
			}
		default:
			c.logger.Tracef("ignoring engine packet %q", msg[0])
		}
	}
}

func (c *Client) writeRaw(conn *websocket.Conn, frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *Client) Emit(event string, args ...any) error {
	frame, err := encodeEvent(event, args...)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.writeRaw(conn, frame); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

// Close leaves the namespace and closes the transport. It blocks until the
// read loop has delivered its disconnect event, so it must not be called from
// a Handler. Calling it on a closed client is a no-op.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	done := c.done
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	c.closing.Store(true)

	_ = c.writeRaw(conn, string([]byte{engineMessage, packetDisconnect}))
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()

	if done != nil {
		<-done
	}
	if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return err
	}
	return nil
}
