package dataconn

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// ListConn is a data connection that receives a directory listing: it
// connects (or accepts) like UploadConn but reads until the server closes
// the connection, collecting everything it got. Used by the worker that
// owns a target-path listing fetch.
type ListConn struct {
	opts   Options
	events chan Event

	closeOnce sync.Once
	quit      chan struct{}

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	data     bytes.Buffer
	netErr   error
	complete bool
}

// NewList creates an idle listing connection. Listings are short transfers
// on trusted control-channel timing, so the TLS handshake is not gated; it
// runs as soon as the connection is up.
func NewList(opts Options) *ListConn {
	if opts.NoDataTimeout <= 0 {
		opts.NoDataTimeout = defaultNoDataTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &ListConn{
		opts:   opts,
		events: make(chan Event, 8),
		quit:   make(chan struct{}),
	}
}

// Events returns the event stream: EventListening (active mode only),
// EventConnected, then EventClosed when the listing is fully received or
// the connection failed.
func (c *ListConn) Events() <-chan Event { return c.events }

// Connect starts a passive-mode connection. Asynchronous.
func (c *ListConn) Connect(ip string, port int) {
	go c.run(func() (net.Conn, error) {
		return dialData(c.opts, net.JoinHostPort(ip, strconv.Itoa(port)))
	})
}

// OpenForListening binds a listener for an active-mode listing transfer.
func (c *ListConn) OpenForListening() {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		c.finish(fmt.Errorf("listen: %w", err), false)
		close(c.events)
		return
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	c.events <- Event{Kind: EventListening, ListenIP: c.opts.ListenIP, ListenPort: port}

	go c.run(func() (net.Conn, error) {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}
		return conn, nil
	})
}

// Data returns the received listing bytes and whether the transfer ended
// with a clean close.
func (c *ListConn) Data() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Bytes(), c.complete
}

// Error returns the recorded transfer error.
func (c *ListConn) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netErr
}

// Close aborts the transfer.
func (c *ListConn) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.mu.Lock()
		if c.listener != nil {
			c.listener.Close()
		}
		if c.conn != nil {
			c.conn.SetDeadline(time.Now())
		}
		c.mu.Unlock()
	})
}

func (c *ListConn) run(establish func() (net.Conn, error)) {
	defer close(c.events)

	conn, err := establish()
	if err != nil {
		c.finish(fmt.Errorf("data connection: %w", err), false)
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	select {
	case <-c.quit:
		conn.Close()
		c.finish(errors.New("listing canceled"), false)
		return
	default:
	}

	if c.opts.TLSConfig != nil {
		tc := tls.Client(conn, c.opts.TLSConfig)
		tc.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
		if err := tc.Handshake(); err != nil {
			conn.Close()
			c.finish(fmt.Errorf("data TLS handshake: %w", err), false)
			return
		}
		tc.SetDeadline(time.Time{})
		conn = tc
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}

	c.events <- Event{Kind: EventConnected}

	buf := make([]byte, 32*1024)
	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.NoDataTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.data.Write(buf[:n])
			c.mu.Unlock()
		}
		if err == io.EOF {
			conn.Close()
			c.finish(nil, true)
			return
		}
		if err != nil {
			conn.Close()
			c.finish(err, false)
			return
		}
	}
}

func (c *ListConn) finish(err error, complete bool) {
	c.mu.Lock()
	c.netErr = err
	c.complete = complete
	c.mu.Unlock()
	c.events <- Event{Kind: EventClosed, Err: err}
}
