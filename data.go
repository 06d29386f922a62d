package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// pasvRegex matches PASV's "(h1,h2,h3,h4,p1,p2)" address form.
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches EPSV's "(|||port|)" address form (RFC 2428).
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV response's address, e.g.
// "227 Entering Passive Mode (192,168,1,1,195,149)" -> "192.168.1.1:50069".
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", &ProtocolParseError{Extractor: "parsePASV", Input: response}
	}

	var h [4]int
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", &ProtocolParseError{Extractor: "parsePASV", Input: response}
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", &ProtocolParseError{Extractor: "parsePASV", Input: response}
	}

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", &ProtocolParseError{Extractor: "parsePASV", Input: response}
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV parses an EPSV response's port, e.g.
// "229 Entering Extended Passive Mode (|||6446|)" -> "6446".
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", &ProtocolParseError{Extractor: "parseEPSV", Input: response}
	}
	port, err := strconv.Atoi(matches[1])
	if err != nil || port < 0 || port > 65535 {
		return "", &ProtocolParseError{Extractor: "parseEPSV", Input: response}
	}
	return matches[1], nil
}

// formatPORT converts "192.168.1.100:50000" to PORT's "h1,h2,h3,h4,p1,p2" form.
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT converts an address to EPRT's "|d|net-prt|net-addr|tcp-port|" form.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	var netPrt int
	if ip.To4() != nil {
		netPrt = 1
	} else {
		netPrt = 2
	}
	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// resolveDataAddr substitutes the control host for an unroutable 0.0.0.0
// address sometimes returned by PASV behind NAT.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// openDataConn opens a data connection using whichever mode is configured:
// passive (the default, PASV/EPSV) or active (PORT/EPRT, test-only).
func (c *Client) openDataConn(ctx context.Context) (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn(ctx)
	}
	return c.openPassiveDataConn(ctx)
}

// activeDataConnSeam wraps a listener for active-mode connections. Not
// reachable from the public Option surface: PORT/EPRT stays internal/test-only.
type activeDataConnSeam struct {
	listener  net.Listener
	conn      net.Conn
	tlsConfig *tls.Config
	timeout   time.Duration
}

func (a *activeDataConnSeam) accept() error {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return err
	}
	a.conn = conn

	if a.tlsConfig != nil {
		tlsConn := tls.Server(a.conn, a.tlsConfig)
		if a.timeout > 0 {
			_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			a.conn.Close()
			return err
		}
		a.conn = tlsConn
	}
	return nil
}

func (a *activeDataConnSeam) Read(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Read(p)
}

func (a *activeDataConnSeam) Write(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Write(p)
}

func (a *activeDataConnSeam) Close() error {
	var err1, err2 error
	if a.conn != nil {
		err1 = a.conn.Close()
	}
	if a.listener != nil {
		err2 = a.listener.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (a *activeDataConnSeam) LocalAddr() net.Addr {
	if a.conn != nil {
		return a.conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConnSeam) RemoteAddr() net.Addr {
	if a.conn != nil {
		return a.conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConnSeam) SetDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConnSeam) SetReadDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConnSeam) SetWriteDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetWriteDeadline(t)
	}
	return nil
}

// openActiveDataConn opens a data connection using PORT/EPRT. Test-only:
// see withActiveMode in options.go.
func (c *Client) openActiveDataConn(ctx context.Context) (net.Conn, error) {
	localAddr := c.conn.LocalAddr().String()
	host, _, err := net.SplitHostPort(localAddr)
	if err != nil {
		host = "127.0.0.1"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, &IoError{Op: "active mode listen", Err: err}
		}
	}

	addr := listener.Addr().String()
	localHost, _, err := net.SplitHostPort(addr)
	if err != nil {
		listener.Close()
		return nil, &IoError{Op: "active mode listen", Err: err}
	}
	ip := net.ParseIP(localHost)
	if ip == nil {
		listener.Close()
		return nil, fmt.Errorf("failed to parse local IP: %s", localHost)
	}

	var resp *Response
	var cmd string
	if ip.To4() == nil {
		cmd = "EPRT"
		eprtArg, ferr := formatEPRT(addr)
		if ferr != nil {
			listener.Close()
			return nil, ferr
		}
		resp, err = c.sendCommand(ctx, "EPRT", eprtArg)
	} else {
		cmd = "PORT"
		portArg, ferr := formatPORT(addr)
		if ferr != nil {
			listener.Close()
			return nil, ferr
		}
		resp, err = c.sendCommand(ctx, "PORT", portArg)
	}
	if err != nil {
		listener.Close()
		return nil, err
	}
	if !resp.Is2xx() {
		listener.Close()
		return nil, &FtpError{Command: cmd, Response: resp.Message, Code: resp.Code}
	}

	return &activeDataConnSeam{listener: listener, tlsConfig: c.tlsConfig, timeout: c.timeout}, nil
}

// openPassiveDataConn opens a data connection using EPSV, falling back to
// PASV. This is the default and recommended mode.
func (c *Client) openPassiveDataConn(ctx context.Context) (net.Conn, error) {
	var addr string
	var epsvErr, pasvErr error

	if !c.disableEPSV {
		resp, err := c.sendCommand(ctx, "EPSV")
		if err != nil {
			epsvErr = err
		} else if resp.Code == 502 {
			c.disableEPSV = true
			epsvErr = &FtpError{Command: "EPSV", Response: resp.Message, Code: resp.Code}
		} else if resp.Is2xx() {
			port, parseErr := parseEPSV(resp.String())
			if parseErr != nil {
				epsvErr = parseErr
			} else {
				addr = net.JoinHostPort(c.host, port)
			}
		} else {
			epsvErr = &FtpError{Command: "EPSV", Response: resp.Message, Code: resp.Code}
		}
	}

	if addr == "" {
		resp, err := c.sendCommand(ctx, "PASV")
		if err != nil {
			pasvErr = err
		} else if !resp.Is2xx() {
			pasvErr = &FtpError{Command: "PASV", Response: resp.Message, Code: resp.Code}
		} else {
			parsed, parseErr := parsePASV(resp.String())
			if parseErr != nil {
				pasvErr = parseErr
			} else {
				addr = resolveDataAddr(parsed, c.host)
			}
		}
	}

	if addr == "" {
		return nil, &NoDataPortError{EPSVError: epsvErr, PASVError: pasvErr}
	}

	dataConn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &IoError{Op: "dial data connection", Err: err}
	}

	if c.isEncrypted && c.tlsConfig != nil {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			dataConn.Close()
			return nil, &TlsError{Op: "data connection handshake", Err: err}
		}
		dataConn = tlsConn
	}

	if c.timeout > 0 {
		return &deadlineConn{Conn: dataConn, timeout: c.timeout}, nil
	}
	return dataConn, nil
}

// cmdDataConnFrom opens a data connection then sends cmd over the control
// channel, returning both the preliminary response and the open data
// connection. The caller must finish the transfer with finishDataConn.
func (c *Client) cmdDataConnFrom(ctx context.Context, cmd string, args ...string) (*Response, net.Conn, error) {
	dataConn, err := c.openDataConn(ctx)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.activeDataConn = dataConn
	c.mu.Unlock()

	resp, err := c.sendCommand(ctx, cmd, args...)
	if err != nil {
		dataConn.Close()
		c.mu.Lock()
		c.activeDataConn = nil
		c.mu.Unlock()
		return nil, nil, err
	}

	if resp.Code != 125 && resp.Code != 150 && resp.Code != 226 {
		dataConn.Close()
		c.mu.Lock()
		c.activeDataConn = nil
		c.mu.Unlock()
		return resp, nil, &FtpError{Command: cmd, Response: resp.Message, Code: resp.Code}
	}

	return resp, dataConn, nil
}

// finishDataConn closes the data connection and reads the terminal reply
// that completes the command started by cmdDataConnFrom (invariant: a data
// stream's existence implies a pending terminal reply).
func (c *Client) finishDataConn(ctx context.Context, dataConn net.Conn) error {
	closeErr := dataConn.Close()

	resp, err := c.getResponse(ctx)

	c.mu.Lock()
	c.activeDataConn = nil
	c.mu.Unlock()

	if err != nil {
		if closeErr != nil {
			c.logger.Warn("data connection close failed", "error", closeErr)
		}
		return err
	}

	c.logger.Debug("ftp data transfer complete", "code", resp.Code, "message", resp.Message)

	if !resp.Is2xx() {
		return &FtpError{Command: "DATA_TRANSFER", Response: resp.Message, Code: resp.Code}
	}
	return nil
}
