// Package pushchannel is the client side of the service's server-initiated
// event stream. Frames are JSON text messages of the form
// {"event": "<name>", "data": {...}} delivered over a WebSocket.
package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/assertedio/asrtd/internal/metrics"
	"nhooyr.io/websocket"
)

// DefaultPath is the endpoint path of the push channel on the API host.
const DefaultPath = "/v1/socket"

const (
	defaultReadLimit   = 1 << 20
	maxErrorBodyBytes  = 4 << 10
	closeReason        = "client closed"
	closeHandshakeWait = 2 * time.Second
)

// Handler receives the raw data of a frame. Handlers run on the read loop
// goroutine and may call RemoveListener.
type Handler func(data json.RawMessage)

// ListenerID identifies a registered handler.
type ListenerID uint64

// Frame is a single push channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Options configures Dial.
type Options struct {
	BaseURL   string // API base URL, only scheme and host are used
	Path      string // endpoint path, DefaultPath when empty
	Token     string // bearer token
	ReadLimit int64

	// HTTPClient performs the handshake, e.g. to trust a private CA. It must
	// not set a Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type listener struct {
	id ListenerID
	fn Handler
}

// Client is a connected push channel.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string][]listener
	nextID    ListenerID
	err       error

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Endpoint derives the WebSocket URL from an API base URL.
func Endpoint(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial opens the push channel. ctx bounds only the handshake; the returned
// client reads until Close is called or the server goes away.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, err := Endpoint(opts.BaseURL, opts.Path)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	logger.Debug("dialing push channel", "endpoint", endpoint)
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, formatDialError(resp, err)
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		logger:    logger,
		listeners: make(map[string][]listener),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.readLoop(readCtx)
	logger.Debug("push channel connected", "endpoint", endpoint)
	return c, nil
}

// On registers fn for frames named event.
func (c *Client) On(event string, fn Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[event] = append(c.listeners[event], listener{id: id, fn: fn})
	return id
}

// RemoveListener detaches a handler. Unknown ids are ignored.
func (c *Client) RemoveListener(event string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls := c.listeners[event]
	for i, l := range ls {
		if l.id == id {
			c.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(c.listeners[event]) == 0 {
		delete(c.listeners, event)
	}
}

// RemoveAllListeners detaches every handler.
func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = make(map[string][]listener)
}

// ListenerCount returns the number of handlers registered for event.
func (c *Client) ListenerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[event])
}

// Close performs a normal closure and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, closeReason)
		select {
		case <-c.done:
		case <-time.After(closeHandshakeWait):
		}
		c.cancel()
		<-c.done
		if err != nil && isClosedErr(err) {
			err = nil
		}
	})
	return err
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that terminated the read loop, nil after a normal
// closure.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if !isClosedErr(err) && ctx.Err() == nil {
				c.logger.Debug("push channel read failed", "error", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		metrics.IncPushFrame("", "invalid")
		c.logger.Debug("dropping invalid push frame", "error", err, "size", len(data))
		return
	}

	c.mu.Lock()
	snapshot := append([]listener(nil), c.listeners[f.Event]...)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		metrics.IncPushFrame(f.Event, "unhandled")
		c.logger.Debug("no listener for push frame", "event", f.Event)
		return
	}
	metrics.IncPushFrame(f.Event, "dispatched")
	for _, l := range snapshot {
		// an earlier handler may have detached this one
		if !c.registered(f.Event, l.id) {
			continue
		}
		l.fn(f.Data)
	}
}

func (c *Client) registered(event string, id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners[event] {
		if l.id == id {
			return true
		}
	}
	return false
}

func isClosedErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func formatDialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("push channel connection failed: %w", err)
	}
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	var body string
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		body = strings.TrimSpace(string(b))
	}
	if body != "" {
		return fmt.Errorf("push channel connection failed (%s): %s", resp.Status, body)
	}
	return fmt.Errorf("push channel connection failed (%s): %w", resp.Status, err)
}
