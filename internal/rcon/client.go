package rcon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds dialing, authentication and each command when the
// corresponding option is unset.
const DefaultTimeout = 5 * time.Second

// State is the lifecycle position of a [Client].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateInFlight
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateInFlight:
		return "in_flight"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a [Client].
type Options struct {
	DialTimeout    time.Duration // dial and authentication
	CommandTimeout time.Duration // one command round trip
	Dialer         Dialer
}

// Client is a single authenticated session. Commands are serialized; only
// one is ever in flight.
type Client struct {
	addr     string
	password string
	opts     Options

	mu     sync.Mutex // serializes Connect and Command
	nextID int32

	connMu sync.Mutex
	conn   net.Conn

	state atomic.Int32
}

// New returns a disconnected client for addr.
func New(addr, password string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	return &Client{addr: addr, password: password, opts: opts}
}

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Connect dials the server and authenticates. A previous session, if any,
// is dropped first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return &Error{Kind: KindUnexpected, Op: "connect", Addr: c.addr, Err: net.ErrClosed}
	}
	c.drop(c.current())
	c.state.Store(int32(StateConnecting))

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := c.opts.Dialer.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return wrap("dial", c.addr, err)
	}

	_ = conn.SetDeadline(deadline(ctx, c.opts.DialTimeout))
	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return wrap("auth", c.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		// closed while authenticating
		_ = conn.Close()
		return &Error{Kind: KindUnexpected, Op: "connect", Addr: c.addr, Err: net.ErrClosed}
	}
	return nil
}

func (c *Client) authenticate(conn net.Conn) error {
	id := c.id()
	if err := WriteFrame(conn, Frame{ID: id, Type: TypeLogin, Body: []byte(c.password)}); err != nil {
		return err
	}
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		switch {
		case f.ID == -1:
			return ErrAuthFailed
		case f.Type == TypeAuthResp && f.ID == id:
			return nil
		case f.Type == TypeResponse && len(f.Body) == 0:
			// some servers send an empty value frame ahead of the auth response
			continue
		default:
			return fmt.Errorf("%w: unexpected frame id=%d type=%d during auth", ErrProtocol, f.ID, f.Type)
		}
	}
}

// Command sends cmd and returns the reassembled response text. Any transport
// or protocol failure drops the session; the client must be reconnected.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	if len(cmd) > MaxCommandLength {
		return "", &Error{Kind: KindUnexpected, Op: "command", Addr: c.addr,
			Err: fmt.Errorf("%w: %d bytes, limit %d", ErrCommandTooLong, len(cmd), MaxCommandLength)}
	}
	if err := ctx.Err(); err != nil {
		return "", wrap("command", c.addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.current()
	if conn == nil || !c.state.CompareAndSwap(int32(StateReady), int32(StateInFlight)) {
		return "", &Error{Kind: KindUnexpected, Op: "command", Addr: c.addr, Err: ErrNotConnected}
	}

	_ = conn.SetDeadline(deadline(ctx, c.opts.CommandTimeout))
	resp, err := c.exchange(conn, cmd)
	if err != nil {
		c.drop(conn)
		return "", wrap("command", c.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c.state.CompareAndSwap(int32(StateInFlight), int32(StateReady))
	return resp, nil
}

func (c *Client) exchange(conn net.Conn, cmd string) (string, error) {
	id := c.id()
	if err := WriteFrame(conn, Frame{ID: id, Type: TypeCommand, Body: []byte(cmd)}); err != nil {
		return "", err
	}

	var body []byte
	sentinel := int32(0)
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return "", err
		}
		switch {
		case f.ID == -1:
			return "", ErrAuthFailed
		case sentinel != 0 && f.ID == sentinel:
			return text(body), nil
		case f.ID != id:
			// late reply to an earlier request
			continue
		}
		body = append(body, f.Body...)
		if sentinel != 0 {
			continue
		}
		if len(f.Body) < fragmentSize {
			return text(body), nil
		}
		// A full-size fragment may be continued. The server answers the
		// empty value frame only after the last fragment.
		sentinel = c.id()
		if err := WriteFrame(conn, Frame{ID: sentinel, Type: TypeResponse}); err != nil {
			return "", err
		}
	}
}

// Close releases the session. It is safe to call more than once and never
// fails; close errors only mean the transport was already gone.
func (c *Client) Close() error {
	c.state.Store(int32(StateClosed))
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (c *Client) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// drop closes conn and marks the client disconnected unless it was closed.
func (c *Client) drop(conn net.Conn) {
	if conn == nil {
		return
	}
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
	if s := c.State(); s != StateClosed {
		c.state.CompareAndSwap(int32(s), int32(StateDisconnected))
	}
}

// id returns the next request id. Ids stay positive; -1 is the server's
// auth failure marker. Callers hold c.mu.
func (c *Client) id() int32 {
	c.nextID++
	if c.nextID <= 0 {
		c.nextID = 1
	}
	return c.nextID
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}
