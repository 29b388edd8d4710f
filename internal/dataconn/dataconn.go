// Package dataconn manages the FTP data connection of an upload: passive
// connect or active listen, optional TLS, and block-by-block writing of
// the file data. The worker state machine feeds it prepared buffers and
// watches its event stream; the connection itself never touches the disk
// or the control channel.
package dataconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// EventKind classifies data connection events.
type EventKind int

const (
	// EventListening: active mode, the local listener is ready; the
	// worker should send PORT with the advertised address.
	EventListening EventKind = iota
	// EventConnected: the data connection is established (and, when
	// encrypting, the TLS handshake succeeded).
	EventConnected
	// EventPrepareData: the connection wants the next data block. The
	// worker answers with DataBufferPrepared, possibly after a disk
	// read. Exactly one is outstanding at a time.
	EventPrepareData
	// EventClosed: the connection finished or died. Inspect Error and
	// AllDataTransferred to tell which.
	EventClosed
)

// Event is delivered on the channel returned by Events.
type Event struct {
	Kind       EventKind
	ListenIP   net.IP
	ListenPort int
	Err        error
}

// SSLErrorClass classifies a failed TLS handshake on the data connection.
type SSLErrorClass int

const (
	SSLErrNone SSLErrorClass = iota
	// SSLErrCanRetry: transient failure, reopening the connection may work.
	SSLErrCanRetry
	// SSLErrDoNotRetry: protocol-level failure that will repeat.
	SSLErrDoNotRetry
	// SSLErrUnverifiedCert: the server certificate did not verify.
	SSLErrUnverifiedCert
)

// Options configures an upload data connection.
type Options struct {
	// ProxyAddr routes a passive-mode connect through a SOCKS5 proxy.
	ProxyAddr string
	// TLSConfig, when non-nil, encrypts the connection. The handshake is
	// deferred until ActivateConnection.
	TLSConfig *tls.Config
	// ListenIP is the address advertised in active mode, normally the
	// control connection's local IP.
	ListenIP net.IP
	// NoDataTimeout bounds how long a single block write may stall.
	NoDataTimeout time.Duration
	// ConnectTimeout bounds the passive-mode dial.
	ConnectTimeout time.Duration

	Log zerolog.Logger
}

type block struct {
	buf []byte
	n   int
	eof bool
}

// UploadConn is one data connection for a single STOR or APPE transfer.
// Create one per attempt; it is not reusable.
type UploadConn struct {
	opts   Options
	events chan Event
	blocks chan block

	activateOnce sync.Once
	activate     chan struct{}

	closeOnce sync.Once
	quit      chan struct{}

	mu           sync.Mutex
	conn         net.Conn
	listener     net.Listener
	totalWritten int64
	allDone      bool
	netErr       error
	sslClass     SSLErrorClass
}

const (
	defaultNoDataTimeout  = 5 * time.Minute
	defaultConnectTimeout = 30 * time.Second
)

// New creates an idle connection. Follow with Connect or OpenForListening.
func New(opts Options) *UploadConn {
	if opts.NoDataTimeout <= 0 {
		opts.NoDataTimeout = defaultNoDataTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &UploadConn{
		opts:     opts,
		events:   make(chan Event, 8),
		blocks:   make(chan block, 1),
		activate: make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Events returns the event stream. Closed after EventClosed is delivered.
func (c *UploadConn) Events() <-chan Event { return c.events }

// Connect starts a passive-mode connection to the address from the PASV
// reply. Asynchronous; watch the event stream.
func (c *UploadConn) Connect(ip string, port int) {
	go c.run(func() (net.Conn, error) {
		return dialData(c.opts, net.JoinHostPort(ip, strconv.Itoa(port)))
	})
}

// OpenForListening binds a local listener for an active-mode transfer and
// reports its address with EventListening, then waits for the server to
// connect. Asynchronous; the worker aborts via Close if the server never
// comes.
func (c *UploadConn) OpenForListening() {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		c.fail(fmt.Errorf("listen: %w", err), SSLErrNone)
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
			select {
			case <-c.quit:
				return nil, errors.New("canceled")
			default:
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		return conn, nil
	})
}

// ActivateConnection permits the TLS handshake to proceed. With an
// encrypting server the handshake must not start before the server has
// acknowledged the transfer command with a preliminary reply; the worker
// calls this at the right moment for either mode. Idempotent, safe on
// plaintext connections where it is a no-op gate release.
func (c *UploadConn) ActivateConnection() {
	c.activateOnce.Do(func() { close(c.activate) })
}

// DataBufferPrepared hands the next block to the writer in answer to
// EventPrepareData. eof marks the final block; n may be zero with eof for
// an empty tail.
func (c *UploadConn) DataBufferPrepared(buf []byte, n int, eof bool) {
	select {
	case c.blocks <- block{buf: buf, n: n, eof: eof}:
	case <-c.quit:
	}
}

// TotalWritten returns bytes written to the socket so far.
func (c *UploadConn) TotalWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalWritten
}

// AllDataTransferred reports that every block including the eof block was
// written and the connection closed cleanly.
func (c *UploadConn) AllDataTransferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allDone
}

// Error returns the recorded network error and TLS error class.
func (c *UploadConn) Error() (error, SSLErrorClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netErr, c.sslClass
}

// Close aborts the connection. Safe to call at any point and repeatedly.
func (c *UploadConn) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.ActivateConnection() // unblock a handshake gate wait
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

func dialData(opts Options, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.ProxyAddr == "" {
		return nd.Dial("tcp", addr)
	}
	pd, err := proxy.SOCKS5("tcp", opts.ProxyAddr, nil, nd)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", opts.ProxyAddr, err)
	}
	return pd.Dial("tcp", addr)
}

func (c *UploadConn) run(establish func() (net.Conn, error)) {
	defer close(c.events)

	conn, err := establish()
	if err != nil {
		c.fail2(fmt.Errorf("data connection: %w", err), SSLErrNone)
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	select {
	case <-c.quit:
		conn.Close()
		c.fail2(errors.New("data connection canceled"), SSLErrNone)
		return
	default:
	}

	if c.opts.TLSConfig != nil {
		select {
		case <-c.activate:
		case <-c.quit:
		}
		select {
		case <-c.quit:
			conn.Close()
			c.fail2(errors.New("data connection canceled"), SSLErrNone)
			return
		default:
		}

		tc := tls.Client(conn, c.opts.TLSConfig)
		tc.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
		if err := tc.Handshake(); err != nil {
			conn.Close()
			c.fail2(fmt.Errorf("data TLS handshake: %w", err), classifyTLSError(err))
			return
		}
		tc.SetDeadline(time.Time{})
		conn = tc
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}

	c.events <- Event{Kind: EventConnected}
	c.writeLoop(conn)
}

func (c *UploadConn) writeLoop(conn net.Conn) {
	for {
		c.events <- Event{Kind: EventPrepareData}

		var b block
		select {
		case b = <-c.blocks:
		case <-c.quit:
			conn.Close()
			c.fail2(errors.New("data connection canceled"), SSLErrNone)
			return
		}

		if b.n > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.opts.NoDataTimeout))
			n, err := conn.Write(b.buf[:b.n])
			c.mu.Lock()
			c.totalWritten += int64(n)
			c.mu.Unlock()
			if err != nil {
				conn.Close()
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					err = fmt.Errorf("no data transferred for %s: %w", c.opts.NoDataTimeout, err)
				}
				c.fail2(err, SSLErrNone)
				return
			}
		}

		if b.eof {
			err := conn.Close()
			c.mu.Lock()
			c.allDone = err == nil
			c.netErr = err
			c.mu.Unlock()
			c.events <- Event{Kind: EventClosed, Err: err}
			return
		}
	}
}

// fail records the error and closes the event stream; for paths where the
// run goroutine was never started.
func (c *UploadConn) fail(err error, class SSLErrorClass) {
	c.fail2(err, class)
	close(c.events)
}

func (c *UploadConn) fail2(err error, class SSLErrorClass) {
	c.mu.Lock()
	c.netErr = err
	c.sslClass = class
	c.mu.Unlock()
	c.events <- Event{Kind: EventClosed, Err: err}
}

func classifyTLSError(err error) SSLErrorClass {
	var unkAuth x509.UnknownAuthorityError
	var certInv x509.CertificateInvalidError
	var hostErr x509.HostnameError
	if errors.As(err, &unkAuth) || errors.As(err, &certInv) || errors.As(err, &hostErr) {
		return SSLErrUnverifiedCert
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return SSLErrUnverifiedCert
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return SSLErrCanRetry
	}
	return SSLErrDoNotRetry
}
