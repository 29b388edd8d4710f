// Package ftp implements the control-connection side of the FTP protocol:
// dialing (optionally through a SOCKS5 proxy), explicit TLS negotiation,
// login, command writing and reply parsing. It deliberately knows nothing
// about upload semantics; the worker state machine drives it one command
// at a time.
package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// EventKind classifies control connection events.
type EventKind int

const (
	// EventReply carries one complete server reply.
	EventReply EventKind = iota
	// EventClosed reports that the connection is gone; Err holds the
	// read error, nil for a clean EOF.
	EventClosed
)

// Event is delivered on the channel returned by Events.
type Event struct {
	Kind  EventKind
	Reply Reply
	Err   error
}

// Options configures Dial.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string

	// EncryptControl negotiates AUTH TLS before login. EncryptData
	// additionally sends PBSZ 0 / PROT P so data connections are
	// encrypted too; it requires EncryptControl.
	EncryptControl bool
	EncryptData    bool

	// ProxyAddr, when non-empty, routes the connection through a SOCKS5
	// proxy at host:port.
	ProxyAddr string

	// ReplyTimeout bounds each reply read during the synchronous
	// handshake (greeting, AUTH TLS, login). Zero means 20s.
	ReplyTimeout time.Duration

	TLSConfig *tls.Config

	Log zerolog.Logger
}

// ControlConn is one logged-in FTP control connection.
type ControlConn struct {
	opts   Options
	conn   net.Conn
	r      *bufio.Reader
	events chan Event
	log    zerolog.Logger
	closed chan struct{}
}

const defaultReplyTimeout = 20 * time.Second

// Dial connects, negotiates TLS per the options and logs in. On return the
// connection is ready for commands; call Start to begin asynchronous reply
// delivery.
func Dial(ctx context.Context, opts Options) (*ControlConn, error) {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.EncryptData && !opts.EncryptControl {
		return nil, fmt.Errorf("data encryption requires control encryption")
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	raw, err := dialAddr(ctx, opts.ProxyAddr, addr, opts.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &ControlConn{
		opts:   opts,
		conn:   raw,
		r:      bufio.NewReader(raw),
		events: make(chan Event, 16),
		log:    opts.Log,
		closed: make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func dialAddr(ctx context.Context, proxyAddr, addr string, timeout time.Duration) (net.Conn, error) {
	nd := &net.Dialer{Timeout: timeout}
	if proxyAddr == "" {
		return nd.DialContext(ctx, "tcp", addr)
	}
	pd, err := proxy.SOCKS5("tcp", proxyAddr, nil, nd)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", proxyAddr, err)
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return pd.Dial("tcp", addr)
}

func (c *ControlConn) handshake() error {
	greeting, err := c.readReplySync()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if !greeting.IsPositiveCompletion() {
		return fmt.Errorf("server refused connection: %s", greeting.Text)
	}
	c.log.Debug().Str("greeting", firstLine(greeting.Text)).Msg("Connected")

	if c.opts.EncryptControl {
		if err := c.startTLS(); err != nil {
			return err
		}
	}
	return c.login()
}

func (c *ControlConn) startTLS() error {
	r, err := c.exchangeSync("AUTH TLS")
	if err != nil {
		return err
	}
	if !r.IsPositiveCompletion() {
		return fmt.Errorf("server rejected AUTH TLS: %s", firstLine(r.Text))
	}

	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: c.opts.Host}
	} else if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = c.opts.Host
	}
	tc := tls.Client(c.conn, cfg)
	tc.SetDeadline(time.Now().Add(c.opts.ReplyTimeout))
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	tc.SetDeadline(time.Time{})
	c.conn = tc
	c.r = bufio.NewReader(tc)
	c.log.Debug().Msg("Control connection encrypted")

	if c.opts.EncryptData {
		if r, err = c.exchangeSync("PBSZ 0"); err != nil {
			return err
		} else if !r.IsPositiveCompletion() {
			return fmt.Errorf("server rejected PBSZ 0: %s", firstLine(r.Text))
		}
		if r, err = c.exchangeSync("PROT P"); err != nil {
			return err
		} else if !r.IsPositiveCompletion() {
			return fmt.Errorf("server rejected PROT P: %s", firstLine(r.Text))
		}
	}
	return nil
}

func (c *ControlConn) login() error {
	r, err := c.exchangeSync("USER " + sanitizeArg(c.opts.User))
	if err != nil {
		return err
	}
	if r.IsPositiveIntermediate() {
		if r, err = c.exchangeSync("PASS " + sanitizeArg(c.opts.Password)); err != nil {
			return err
		}
	}
	if !r.IsPositiveCompletion() {
		return fmt.Errorf("login failed: %s", firstLine(r.Text))
	}
	c.log.Debug().Str("user", c.opts.User).Msg("Logged in")
	return nil
}

// exchangeSync sends a command and reads its reply, handshake phase only.
func (c *ControlConn) exchangeSync(cmd string) (Reply, error) {
	if err := c.SendCommand(cmd); err != nil {
		return Reply{}, err
	}
	return c.readReplySync()
}

func (c *ControlConn) readReplySync() (Reply, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout))
	r, err := readReply(c.r)
	c.conn.SetReadDeadline(time.Time{})
	return r, err
}

// Start launches the reader goroutine. From here on every server reply is
// delivered as an EventReply on the Events channel, followed by a single
// EventClosed when the connection dies. The channel is closed after that.
func (c *ControlConn) Start() {
	go func() {
		defer close(c.events)
		for {
			r, err := readReply(c.r)
			if err != nil {
				select {
				case <-c.closed:
					err = nil // deliberate close, not a failure
				default:
				}
				c.events <- Event{Kind: EventClosed, Err: err}
				return
			}
			c.events <- Event{Kind: EventReply, Reply: r}
		}
	}()
}

// Events returns the reply stream. Valid only after Start.
func (c *ControlConn) Events() <-chan Event { return c.events }

// SendCommand writes one command line. Safe to call from the worker
// goroutine while the reader goroutine runs.
func (c *ControlConn) SendCommand(cmd string) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.ReplyTimeout))
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("send %s: %w", commandVerb(cmd), err)
	}
	if verb := commandVerb(cmd); verb == "PASS" {
		c.log.Debug().Str("cmd", "PASS ****").Msg("Sent")
	} else {
		c.log.Debug().Str("cmd", cmd).Msg("Sent")
	}
	return nil
}

// LocalIP returns the local address of the control connection, used to
// build the PORT command for active-mode transfers.
func (c *ControlConn) LocalIP() net.IP {
	if a, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

// DataTLSConfig returns the TLS configuration data connections must use,
// nil when data encryption is off.
func (c *ControlConn) DataTLSConfig() *tls.Config {
	if !c.opts.EncryptData {
		return nil
	}
	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: c.opts.Host}
	} else if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = c.opts.Host
	}
	return cfg
}

// Close tears down the connection. The reader goroutine, if started,
// reports a clean EventClosed.
func (c *ControlConn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

// readReply reads one complete, possibly multiline, server reply.
func readReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	code, multiline, ok := parseReplyLead(line)
	if !ok {
		return Reply{}, fmt.Errorf("malformed reply line %q", line)
	}

	text := line
	if multiline {
		terminator := fmt.Sprintf("%03d ", code)
		for {
			line, err = readLine(r)
			if err != nil {
				return Reply{}, err
			}
			text += "\n" + line
			if strings.HasPrefix(line, terminator) {
				break
			}
		}
	}
	return Reply{Code: code, Text: text}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseReplyLead(line string) (code int, multiline, ok bool) {
	if len(line) < 3 {
		return 0, false, false
	}
	n, err := strconv.Atoi(line[:3])
	if err != nil || n < 100 || n > 599 {
		return 0, false, false
	}
	return n, len(line) > 3 && line[3] == '-', true
}

func commandVerb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
