package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dialer is the seam the control and data streams dial through. *net.Dialer
// satisfies it; tests and callers needing a SOCKS proxy or an in-memory
// pipe can supply their own (see WithCustomDialer).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connect establishes the control connection and performs the TLS
// handshake (implicit mode) and welcome-reply handshake.
func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", "addr", addr, "tls_mode", c.tlsMode)

	ip, err := resolve(ctx, c.resolver, c.host, c.ipVersion)
	if err != nil {
		return err
	}
	dialAddr := net.JoinHostPort(ip.String(), c.port)

	conn, err := c.dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		if ctx.Err() != nil {
			return &CancelledError{Op: "connect", Err: ctx.Err()}
		}
		return &IoError{Op: "connect", Err: err}
	}

	if c.tlsMode == tlsModeImplicit {
		c.logger.Debug("starting TLS handshake", "mode", "implicit")
		if err := c.setDeadline(conn); err != nil {
			conn.Close()
			return &IoError{Op: "connect", Err: err}
		}
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return &TlsError{Op: "implicit handshake", Err: err}
		}
		c.logger.Debug("TLS handshake complete", "mode", "implicit")
		conn = tlsConn
		c.isEncrypted = true
	}

	c.conn = conn
	c.reader = bufio.NewReader(c.conn)

	if err := c.setReadDeadline(c.conn); err != nil {
		c.conn.Close()
		return &IoError{Op: "connect", Err: err}
	}

	resp, err := readResponse(ctx, c.reader)
	if err != nil {
		c.conn.Close()
		return wrapf(err, "read greeting")
	}
	c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)

	if resp.Code != 220 {
		c.conn.Close()
		return &FtpError{Command: "CONNECT", Response: resp.Message, Code: resp.Code}
	}

	c.isConnected = true
	c.lastActivity = time.Now()

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(ctx); err != nil {
			c.disconnect()
			return err
		}
	}

	return nil
}

// upgradeToTLS upgrades the control connection to TLS using AUTH TLS, per
// RFC 4217. PBSZ/PROT are sent best-effort (responses ignored) unless
// WithStrictFTPS was set.
func (c *Client) upgradeToTLS(ctx context.Context) error {
	resp, err := c.sendCommand(ctx, "AUTH", "TLS")
	if err != nil {
		return err
	}
	if resp.Code != 234 {
		return &FtpError{Command: "AUTH TLS", Response: resp.Message, Code: resp.Code}
	}

	c.logger.Debug("starting TLS handshake", "mode", "explicit")
	if err := c.setDeadline(c.conn); err != nil {
		return &IoError{Op: "AUTH TLS", Err: err}
	}
	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return &TlsError{Op: "explicit handshake", Err: err}
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)
	c.isEncrypted = true

	if c.strictFTPS {
		if _, err := c.expectCode(ctx, 200, "PBSZ", "0"); err != nil {
			return err
		}
		if _, err := c.expectCode(ctx, 200, "PROT", "P"); err != nil {
			return err
		}
		return nil
	}

	// Best-effort: some servers reply non-200 to an already-protected
	// channel, so PBSZ/PROT are advisory here unless strict mode is set.
	_, _ = c.sendCommand(ctx, "PBSZ", "0")
	_, _ = c.sendCommand(ctx, "PROT", "P")
	return nil
}

// sendCommand acquires sendMu for the full round trip, drains any stale
// inbound bytes, writes the envelope, and reads the reply. At most one
// command is ever in flight on the control channel (invariant 1).
func (c *Client) sendCommand(ctx context.Context, token string, args ...string) (*Response, error) {
	env := envelope{Token: token, Argument: strings.Join(args, " ")}
	cmd := env.render()

	logged := cmd
	if strings.EqualFold(token, "PASS") {
		logged = "PASS ***\r\n"
	}
	c.logger.Debug("ftp command", "cmd", strings.TrimRight(logged, "\r\n"))

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Op: token, Err: err}
	}

	c.recvMu.Lock()
	if err := c.drainStale(ctx); err != nil {
		c.recvMu.Unlock()
		return nil, err
	}
	c.recvMu.Unlock()

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if err := c.setWriteDeadline(c.conn); err != nil {
		return nil, &IoError{Op: token, Err: err}
	}
	if _, err := fmt.Fprint(c.conn, cmd); err != nil {
		c.forceDisconnect()
		return nil, &IoError{Op: token, Err: err}
	}

	c.recvMu.Lock()
	resp, err := c.readReplyLocked(ctx, token)
	c.recvMu.Unlock()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	return resp, nil
}

// getResponse reads a reply without sending a command first, acquiring
// only recvMu. This is how a data-stream close consumes the terminal 2xx
// reply without contending with a concurrent sender.
func (c *Client) getResponse(ctx context.Context) (*Response, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.readReplyLocked(ctx, "DATA_TRANSFER")
}

func (c *Client) readReplyLocked(ctx context.Context, op string) (*Response, error) {
	if err := c.setReadDeadline(c.conn); err != nil {
		return nil, &IoError{Op: op, Err: err}
	}
	resp, err := readResponse(ctx, c.reader)
	if err != nil {
		c.forceDisconnect()
		return nil, &IoError{Op: op, Err: err}
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return resp, nil
}

// drainStale discards one complete reply if the socket currently has
// buffered, unread bytes, logging the event at warn level. This guards
// against an unsolicited or leftover reply confusing the next round trip.
func (c *Client) drainStale(ctx context.Context) error {
	if c.reader.Buffered() == 0 {
		return nil
	}
	resp, err := c.readReplyLocked(ctx, "DRAIN")
	if err != nil {
		return err
	}
	c.logger.Warn("drained stale reply", "code", resp.Code, "message", resp.Message)
	return nil
}

// expectCode sends a command and requires an exact reply code.
func (c *Client) expectCode(ctx context.Context, expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	if resp.Code != expectedCode {
		return resp, &FtpError{Command: command, Response: resp.Message, Code: resp.Code}
	}
	return resp, nil
}

// expect2xx sends a command and requires a 2xx reply.
func (c *Client) expect2xx(ctx context.Context, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	if !resp.Is2xx() {
		return resp, &FtpError{Command: command, Response: resp.Message, Code: resp.Code}
	}
	return resp, nil
}

const (
	socketPollInterval = 15 * time.Second
	socketPollProbe    = 500 * time.Millisecond
)

// isConnectedLive is a side-effecting liveness probe: if the last-activity
// age exceeds socketPollInterval, it peeks at the socket to see whether the
// peer has gone away without a pending reply.
func (c *Client) isConnectedLive() bool {
	c.mu.Lock()
	conn := c.conn
	last := c.lastActivity
	connected := c.isConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return false
	}

	if time.Since(last) < socketPollInterval {
		return true
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.reader.Buffered() > 0 {
		return true
	}

	if err := conn.SetReadDeadline(time.Now().Add(socketPollProbe)); err != nil {
		c.forceDisconnect()
		return false
	}
	_, err := c.reader.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return true
	}
	c.forceDisconnect()
	return false
}

// disconnect idempotently tears down the control connection, clearing
// is_connected and is_authenticated atomically (invariant 2).
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) forceDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false
	c.isAuthenticated = false
}

func (c *Client) setDeadline(conn net.Conn) error {
	if c.timeout <= 0 {
		return nil
	}
	return conn.SetDeadline(time.Now().Add(c.timeout))
}

func (c *Client) setReadDeadline(conn net.Conn) error {
	if c.timeout <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(c.timeout))
}

func (c *Client) setWriteDeadline(conn net.Conn) error {
	if c.timeout <= 0 {
		return nil
	}
	return conn.SetWriteDeadline(time.Now().Add(c.timeout))
}
