// Package vmservice implements a JSON-RPC 2.0 client for the Dart VM service
// protocol over a single WebSocket connection.
package vmservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultConnectTimeout = 100 * time.Second
	defaultCallTimeout    = 30 * time.Second
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Endpoint identifies a VM service WebSocket.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// URL returns the ws:// address of the endpoint.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), Path: path}
	return u.String()
}

func (e Endpoint) String() string { return e.URL() }

// CallObserver receives the outcome of every CallMethod.
type CallObserver interface {
	ObserveCall(method string, d time.Duration, err error)
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	Observer       CallObserver
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

// session is one open WebSocket and the calls issued on it.
type session struct {
	conn       *websocket.Conn
	endpoint   Endpoint
	generation uint64
	done       chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan outcome
	closed  bool
}

func (s *session) addPending(id string, ch chan outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[id] = ch
	return true
}

func (s *session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolve(id string, out outcome) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- out
	}
}

// fail ends the session once and errors every pending call.
func (s *session) fail(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan outcome)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	_ = s.conn.Close()
	close(s.done)
	return true
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type connectAttempt struct {
	endpoint Endpoint
	done     chan struct{}
	err      error
}

// Client is a VM service connection. It is safe for concurrent use.
type Client struct {
	logger         *common.Logger
	connectTimeout time.Duration
	callTimeout    time.Duration
	observer       CallObserver
	events         *eventHub
	nextID         atomic.Uint64

	mu         sync.Mutex
	sess       *session
	attempt    *connectAttempt
	state      State
	generation uint64
	closed     bool
	listeners  []func(State)
}

// NewClient creates a disconnected client.
func NewClient(logger *common.Logger, opts Options) *Client {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	c := &Client{
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		callTimeout:    opts.CallTimeout,
		observer:       opts.Observer,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	c.events = newEventHub(func(evt Event) {
		c.logger.Warn().Str("stream", evt.StreamID).Str("kind", evt.Kind).Msg("vm service event dropped: subscriber backlog full")
	})
	return c
}

// Connect opens a connection to host:port/path. It returns immediately when a
// connection to the same endpoint is open, and joins an attempt already in
// flight instead of dialing again. A connection to a different endpoint, or
// one that is no longer open, is torn down and replaced.
func (c *Client) Connect(ctx context.Context, host string, port int, path string) error {
	ep := Endpoint{Host: host, Port: port, Path: path}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.sess != nil && c.state == StateConnected && c.sess.endpoint == ep {
			c.mu.Unlock()
			return nil
		}
		if a := c.attempt; a != nil {
			c.mu.Unlock()
			select {
			case <-a.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if a.endpoint == ep {
				return a.err
			}
			continue
		}

		old := c.sess
		c.sess = nil
		a := &connectAttempt{endpoint: ep, done: make(chan struct{})}
		c.attempt = a
		c.state = StateConnecting
		c.mu.Unlock()

		if old != nil {
			old.fail(&ConnectionError{Address: old.endpoint.URL(), Err: errDisconnected})
		}
		c.notify(StateConnecting)

		conn, err := c.dial(ctx, ep)

		c.mu.Lock()
		c.attempt = nil
		var sess *session
		if err != nil {
			a.err = &ConnectionError{Address: ep.URL(), Err: err}
			c.state = StateDisconnected
		} else if c.closed {
			a.err = ErrClosed
			c.state = StateDisconnected
			_ = conn.Close()
		} else {
			c.generation++
			sess = &session{
				conn:       conn,
				endpoint:   ep,
				generation: c.generation,
				done:       make(chan struct{}),
				pending:    make(map[string]chan outcome),
			}
			c.sess = sess
			c.state = StateConnected
		}
		state := c.state
		c.mu.Unlock()
		close(a.done)

		if sess != nil {
			c.logger.Info().Str("endpoint", ep.URL()).Int64("generation", int64(sess.generation)).Msg("vm service connected")
			go c.readLoop(sess)
		} else {
			c.logger.Debug().Str("endpoint", ep.URL()).Err(a.err).Msg("vm service connect failed")
		}
		c.notify(state)
		return a.err
	}
}

func (c *Client) dial(ctx context.Context, ep Endpoint) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, ep.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CallMethod sends one request and waits for its response, the call timeout,
// or ctx cancellation, whichever comes first.
func (c *Client) CallMethod(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observer != nil {
		c.observer.ObserveCall(method, time.Since(start), err)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	s := c.current()
	if s == nil {
		return nil, ErrNotConnected
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan outcome, 1)
	if !s.addPending(id, ch) {
		return nil, ErrNotConnected
	}
	defer s.removePending(id)

	if params == nil {
		params = map[string]any{}
	}
	data, err := codec.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if err := s.write(data); err != nil {
		connErr := &ConnectionError{Address: s.endpoint.URL(), Err: err}
		c.endSession(s, connErr)
		return nil, connErr
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.endSession(s, &ConnectionError{Address: s.endpoint.URL(), Err: err})
			return
		}

		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("vm service: undecodable frame")
			continue
		}

		if f.Method != "" {
			if f.Method == "streamNotify" {
				evt, err := decodeEvent(f.Params)
				if err != nil {
					c.logger.Warn().Err(err).Msg("vm service: undecodable stream event")
					continue
				}
				c.events.publish(evt)
			}
			continue
		}

		id := strings.Trim(string(f.ID), `"`)
		if f.Error != nil {
			s.resolve(id, outcome{err: f.Error})
			continue
		}
		s.resolve(id, outcome{result: f.Result})
	}
}

// endSession fails s and, if it is still the current session, marks the
// client disconnected.
func (c *Client) endSession(s *session, err error) {
	if !s.fail(err) {
		return
	}
	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
		if c.attempt == nil {
			c.state = StateDisconnected
		}
	}
	state := c.state
	c.mu.Unlock()

	if current {
		c.logger.Warn().Str("endpoint", s.endpoint.URL()).Err(err).Msg("vm service connection lost")
		c.notify(state)
	}
}

// Disconnect closes the current connection. Pending calls fail with a
// ConnectionError.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	if c.attempt == nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if s != nil && s.fail(&ConnectionError{Address: s.endpoint.URL(), Err: errDisconnected}) {
		c.logger.Info().Str("endpoint", s.endpoint.URL()).Msg("vm service disconnected")
		c.notify(StateDisconnected)
	}
}

// Close disconnects and releases every event subscription. A closed client
// cannot reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.events.close()
}

// StreamListen subscribes the connection to a VM service stream. Subscribing
// to a stream twice is not an error.
func (c *Client) StreamListen(ctx context.Context, streamID string) error {
	_, err := c.CallMethod(ctx, "streamListen", map[string]any{"streamId": streamID})
	if err != nil && !IsRemoteCode(err, CodeStreamAlreadySubscribed) {
		return fmt.Errorf("stream listen %s: %w", streamID, err)
	}
	return nil
}

// Subscribe returns a channel of stream events and a cancel func. Slow
// subscribers lose events rather than stall the read loop.
func (c *Client) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// OnStateChange registers fn to be called after every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) notify(state State) {
	c.mu.Lock()
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Generation identifies the current connection. It increases with every
// successful connect and is 0 when disconnected.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.generation
}

// Endpoint returns the endpoint of the open connection.
func (c *Client) Endpoint() (Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Endpoint{}, false
	}
	return c.sess.endpoint, true
}

// Done returns a channel closed when the current connection ends. Without a
// connection the channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.sess.done
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.sess
}
