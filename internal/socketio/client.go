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

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"uchat-directory/internal/model"
)

var (
	ErrClosed           = errors.New("socket closed")
	ErrServerDisconnect = errors.New("server closed the connection")
	ErrConnectRefused   = errors.New("socket connect refused")
)

const defaultHandshakeTimeout = 10 * time.Second

// Handler receives the arguments of one event, in arrival order.
type Handler = func(args []json.RawMessage)

type Options struct {
	Namespace        string
	Header           http.Header
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           log.Logger
}

// Client is a Socket.IO client over a single websocket. It never reconnects:
// once Done is closed the client is finished and Err reports why.
type Client struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	heartbeat time.Duration
	logger    log.Logger

	sendMu sync.Mutex

	handlersMu    sync.Mutex
	handlers      map[string][]handlerEntry
	nextHandlerID uint64

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	err       error
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Dial connects to a Socket.IO server, authenticates with auth and starts
// reading. rawURL is the http(s) or ws(s) URL of the socket endpoint, for
// example "http://localhost:8080/socket.io/".
func Dial(ctx context.Context, rawURL string, auth any, opts Options) (*Client, error) {
	endpoint, err := endpointURL(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	ws, _, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		ws:        ws,
		namespace: opts.Namespace,
		logger:    log.With(logger, "component", "socketio"),
		handlers:  make(map[string][]handlerEntry),
		done:      make(chan struct{}),
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.handshake(auth, deadline); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func endpointURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) handshake(auth any, deadline time.Time) error {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}

	msg, err := c.readText()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if msg == "" || enginePacketType(msg[0]) != engineOpen {
		return fmt.Errorf("unexpected open packet %q", msg)
	}
	var hs engineHandshake
	if err := json.Unmarshal([]byte(msg[1:]), &hs); err != nil {
		return fmt.Errorf("decode open packet: %w", err)
	}
	if hs.PingInterval > 0 && hs.PingTimeout > 0 {
		c.heartbeat = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	}

	connect, err := buildSocketConnectPacket(c.namespace, auth)
	if err != nil {
		return err
	}
	if err := c.writeText(string(engineMessage) + connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		msg, err := c.readText()
		if err != nil {
			return fmt.Errorf("await connect: %w", err)
		}
		if msg == "" {
			continue
		}
		switch enginePacketType(msg[0]) {
		case enginePing:
			if err := c.writeText(string(enginePong)); err != nil {
				return err
			}
			continue
		case engineClose:
			return ErrServerDisconnect
		case engineMessage:
		default:
			continue
		}

		payload := msg[1:]
		if payload == "" {
			continue
		}
		switch socketPacketType(payload[0]) {
		case socketConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			_, rest := parseOptionalNamespace(payload[1:])
			if rest != "" {
				_ = json.Unmarshal([]byte(rest), &ack)
			}
			c.sid = ack.SID
			return c.ws.SetReadDeadline(time.Time{})
		case socketConnectError:
			return fmt.Errorf("%w: %s", ErrConnectRefused, parseConnectError(payload))
		case socketEvent:
			pkt, err := parseSocketEventPacket(payload)
			if err == nil && pkt.Event == model.EventError {
				return fmt.Errorf("%w: %s", ErrConnectRefused, errorMessage(pkt.Args))
			}
		}
	}
}

func errorMessage(args []json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if len(args) > 0 && json.Unmarshal(args[0], &body) == nil && body.Message != "" {
		return body.Message
	}
	return "unknown error"
}

// SID returns the socket id assigned by the server.
func (c *Client) SID() string { return c.sid }

// On registers h for event and returns a function that removes it.
func (c *Client) On(event string, h Handler) (off func()) {
	c.handlersMu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: h})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			entries := c.handlers[event]
			for i, e := range entries {
				if e.id == id {
					c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// Emit sends an event without acknowledgement.
func (c *Client) Emit(event string, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	packet, err := buildSocketEventPacket(c.namespace, nil, event, args...)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil while it is alive.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close disconnects from the namespace and closes the websocket.
func (c *Client) Close() error {
	if !c.closed.Load() {
		var b strings.Builder
		b.WriteByte(byte(engineMessage))
		b.WriteByte(byte(socketDisconnect))
		writeNamespace(&b, c.namespace)
		_ = c.writeText(b.String())
	}
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.err = reason
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		if c.heartbeat > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat))
		}
		msg, err := c.readText()
		if err != nil {
			if !c.closed.Load() {
				level.Warn(c.logger).Log("msg", "connection lost", "sid", c.sid, "err", err)
			}
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		if !c.handleMessage(msg) {
			return
		}
	}
}

func (c *Client) handleMessage(msg string) bool {
	if msg == "" {
		return true
	}

	switch enginePacketType(msg[0]) {
	case enginePing:
		if err := c.writeText(string(enginePong)); err != nil {
			c.shutdown(fmt.Errorf("pong: %w", err))
			return false
		}
	case engineClose:
		c.shutdown(ErrServerDisconnect)
		return false
	case engineMessage:
		return c.handleSocketPayload(msg[1:])
	}
	return true
}

func (c *Client) handleSocketPayload(payload string) bool {
	if payload == "" {
		return true
	}

	switch socketPacketType(payload[0]) {
	case socketEvent:
		pkt, err := parseSocketEventPacket(payload)
		if err != nil {
			level.Debug(c.logger).Log("msg", "dropping packet", "err", err)
			return true
		}
		c.dispatch(pkt)
	case socketDisconnect:
		c.shutdown(ErrServerDisconnect)
		return false
	}
	return true
}

func (c *Client) dispatch(pkt socketEventPacket) {
	c.handlersMu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[pkt.Event]...)
	c.handlersMu.Unlock()

	if len(entries) == 0 {
		level.Debug(c.logger).Log("msg", "unhandled event", "event", pkt.Event)
		return
	}
	for _, e := range entries {
		e.fn(pkt.Args)
	}
}

func (c *Client) readText() (string, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}
