package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/asgrim/goftp/internal/ratelimit"
)

// Client represents an FTP client session: one control connection plus the
// state needed to open data connections against the same server.
type Client struct {
	// conn is the underlying network connection (control channel).
	conn net.Conn

	// reader is a buffered reader for the control channel.
	reader *bufio.Reader

	// tlsConfig is the TLS configuration, set once a TLS Option is applied.
	tlsConfig *tls.Config

	// tlsMode indicates whether TLS is disabled, explicit, or implicit.
	tlsMode tlsMode

	// strictFTPS requires PBSZ/PROT to return 200 during the TLS upgrade.
	strictFTPS bool

	// timeout bounds every individual connect/read/write.
	timeout time.Duration

	// idleTimeout is the max idle duration before an automatic NOOP.
	idleTimeout time.Duration

	// logger is used for debug/warn logging; nil-tolerant.
	logger *slog.Logger

	// resolver looks up the control host before dialing.
	resolver *net.Resolver

	// ipVersion constrains which address family resolve() may return.
	ipVersion IPVersion

	// dialer establishes the control and data connections.
	dialer Dialer

	// host and port identify the control connection's target.
	host string
	port string

	// baseDirectory is changed into (created recursively if absent) at
	// the end of Login.
	baseDirectory string

	// transferType/transferSecondType are the TYPE arguments sent once
	// during Login, independent of the binary mode forced for transfers.
	transferType       string
	transferSecondType string

	// features caches the server's FEAT response.
	features map[string]string

	// listingStrategy records whether MLSD or LIST was chosen, decided
	// exactly once after FEAT (see listing.go).
	listingStrategy listingStrategy

	// activeMode forces PORT/EPRT data connections; unexported, test-only.
	activeMode bool

	// disableEPSV forces PASV instead of trying EPSV first.
	disableEPSV bool

	// parsers holds the registered directory-listing line parsers.
	parsers []ListingParser

	// currentType tracks the last TYPE sent, to skip redundant commands.
	currentType string

	// limiter shapes Store/Retrieve/Append throughput; nil disables it.
	limiter *ratelimit.Limiter

	// mu protects the plain state fields below, independent of the
	// sendMu/recvMu wire-level discipline in control.go.
	mu sync.Mutex

	// sendMu/recvMu implement the two-lock discipline of spec 4.C:
	// sendMu guards a full send-and-await-reply round trip; recvMu guards
	// reading alone, so a data stream's terminal-reply read never
	// contends with a concurrently waiting sender.
	sendMu sync.Mutex
	recvMu sync.Mutex

	// isConnected/isAuthenticated/isEncrypted track session state.
	isConnected     bool
	isAuthenticated bool
	isEncrypted     bool

	// lastActivity is the time of the last confirmed wire read/write,
	// used by isConnectedLive's socket-poll heuristic.
	lastActivity time.Time

	// workingDirectory caches the last PWD-confirmed path.
	workingDirectory string

	// activeDataConn tracks the data connection of an in-flight transfer,
	// so Abort/Quit can tear it down.
	activeDataConn net.Conn

	// quitChan signals the keep-alive goroutine to stop.
	quitChan chan struct{}
}

// Dial connects to an FTP server at the given address ("host:port") without
// authenticating. Use Login afterward, or Connect for a URL form that logs
// in automatically.
func Dial(addr string, options ...Option) (*Client, error) {
	return DialContext(context.Background(), addr, options...)
}

// DialContext is Dial with an explicit cancellation context covering the
// TCP connect, any TLS handshake, and the server greeting.
func DialContext(ctx context.Context, addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &InvalidArgumentError{Argument: addr, Reason: "not a valid host:port address"}
	}

	c := &Client{
		host:      host,
		port:      port,
		timeout:   30 * time.Second,
		tlsMode:   tlsModeNone,
		dialer:    &net.Dialer{},
		ipVersion: IPAny,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		parsers: []ListingParser{
			&EPLFParser{},
			&DOSParser{},
			&UnixParser{},
		},
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, &InvalidArgumentError{Argument: "option", Reason: err.Error()}
		}
	}

	if nd, ok := c.dialer.(*net.Dialer); ok {
		nd.Timeout = c.timeout
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.startKeepAlive()

	return c, nil
}

// startKeepAlive starts a goroutine that sends NOOP commands once the
// control connection has been idle for idleTimeout. A no-op if idleTimeout
// is zero.
func (c *Client) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}

	c.quitChan = make(chan struct{})
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				transferring := c.activeDataConn != nil
				last := c.lastActivity
				c.mu.Unlock()

				if transferring || time.Since(last) < c.idleTimeout {
					continue
				}

				c.logger.Debug("sending keep-alive NOOP")
				_ = c.Noop()
			case <-c.quitChan:
				return
			}
		}
	}()
}

// Connect connects to an FTP server using a URL and logs in.
// Supported schemes: "ftp", "ftps" (implicit TLS), "ftp+explicit" (explicit TLS).
// Format: scheme://[user:password@]host[:port][/path]
func Connect(urlStr string) (*Client, error) {
	return ConnectContext(context.Background(), urlStr)
}

// ConnectContext is Connect with an explicit cancellation context.
func ConnectContext(ctx context.Context, urlStr string) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, &InvalidArgumentError{Argument: urlStr, Reason: "not a valid URL"}
	}

	var port string
	var options []Option
	host := u.Hostname()
	port = u.Port()

	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		options = append(options, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		options = append(options, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, &InvalidArgumentError{Argument: u.Scheme, Reason: "unsupported scheme"}
	}

	addr := net.JoinHostPort(host, port)
	c, err := DialContext(ctx, addr, options...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, hasPass := u.User.Password()
	if user == "" {
		user = "anonymous"
		pass = "anonymous@"
	} else if !hasPass {
		pass = ""
	}

	if err := c.LoginContext(ctx, user, pass); err != nil {
		_ = c.Quit()
		return nil, wrapf(err, "login")
	}

	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDirContext(ctx, u.Path); err != nil {
			_ = c.Quit()
			return nil, wrapf(err, "change to initial directory")
		}
	}

	return c, nil
}

// Quit closes the connection gracefully by sending the QUIT command.
// If a transfer is in progress, its data connection is closed first.
func (c *Client) Quit() error {
	return c.QuitContext(context.Background())
}

// QuitContext is Quit with an explicit cancellation context.
func (c *Client) QuitContext(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if c.quitChan != nil {
		close(c.quitChan)
		c.quitChan = nil
	}
	if c.activeDataConn != nil {
		_ = c.activeDataConn.Close()
		c.activeDataConn = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_, _ = c.sendCommand(ctx, "QUIT")
	c.disconnect()
	return nil
}

// Host sends the HOST command (RFC 7151), used to select a virtual host
// before USER. Must be sent before Login.
func (c *Client) Host(host string) error {
	return c.HostContext(context.Background(), host)
}

// HostContext is Host with an explicit cancellation context.
func (c *Client) HostContext(ctx context.Context, host string) error {
	_, err := c.expect2xx(ctx, "HOST", host)
	return err
}

// Type sets the transfer representation type (e.g. "A", "I"), skipping the
// wire round trip if it is already the active type.
func (c *Client) Type(transferType string) error {
	return c.TypeContext(context.Background(), transferType)
}

// TypeContext is Type with an explicit cancellation context.
func (c *Client) TypeContext(ctx context.Context, transferType string) error {
	if c.currentType == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}
	if _, err := c.expectCode(ctx, 200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

// Features queries the server's supported extensions via FEAT (RFC 2389),
// caching the result for the life of the session.
func (c *Client) Features() (map[string]string, error) {
	return c.FeaturesContext(context.Background())
}

// FeaturesContext is Features with an explicit cancellation context.
func (c *Client) FeaturesContext(ctx context.Context) (map[string]string, error) {
	if c.features != nil {
		return c.features, nil
	}

	resp, err := c.sendCommand(ctx, "FEAT")
	if err != nil {
		return nil, err
	}
	if resp.Code != 211 {
		return nil, &FtpError{Command: "FEAT", Response: resp.Message, Code: resp.Code}
	}

	c.features = parseFeatureLines(resp.Lines)
	return c.features, nil
}

// Syst returns the server's system type via SYST.
func (c *Client) Syst() (string, error) {
	return c.SystContext(context.Background())
}

// SystContext is Syst with an explicit cancellation context.
func (c *Client) SystContext(ctx context.Context) (string, error) {
	resp, err := c.expect2xx(ctx, "SYST")
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// HasFeature reports whether the server advertised feature in its FEAT
// response, fetching it first if necessary.
func (c *Client) HasFeature(feature string) bool {
	return c.HasFeatureContext(context.Background(), feature)
}

// HasFeatureContext is HasFeature with an explicit cancellation context.
func (c *Client) HasFeatureContext(ctx context.Context, feature string) bool {
	feats, err := c.FeaturesContext(ctx)
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(feature)]
	return ok
}

// SetOption sends OPTS option value (RFC 2389 feature negotiation).
func (c *Client) SetOption(option, value string) error {
	return c.SetOptionContext(context.Background(), option, value)
}

// SetOptionContext is SetOption with an explicit cancellation context.
func (c *Client) SetOptionContext(ctx context.Context, option, value string) error {
	_, err := c.expect2xx(ctx, "OPTS", option, value)
	return err
}

// Noop sends a NOOP, useful as an explicit keep-alive.
func (c *Client) Noop() error {
	return c.NoopContext(context.Background())
}

// NoopContext is Noop with an explicit cancellation context.
func (c *Client) NoopContext(ctx context.Context) error {
	_, err := c.expect2xx(ctx, "NOOP")
	return err
}

// Quote sends a raw command and returns its response, for commands this
// client doesn't otherwise expose.
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.QuoteContext(context.Background(), command, args...)
}

// QuoteContext is Quote with an explicit cancellation context.
func (c *Client) QuoteContext(ctx context.Context, command string, args ...string) (*Response, error) {
	return c.sendCommand(ctx, command, args...)
}

// Abort cancels an in-flight transfer by sending ABOR.
func (c *Client) Abort() error {
	return c.AbortContext(context.Background())
}

// AbortContext is Abort with an explicit cancellation context.
func (c *Client) AbortContext(ctx context.Context) error {
	c.mu.Lock()
	hasTransfer := c.activeDataConn != nil
	c.mu.Unlock()

	if !hasTransfer {
		return &InvalidArgumentError{Argument: "ABOR", Reason: "no transfer in progress"}
	}

	_, err := c.expect2xx(ctx, "ABOR")
	return err
}

// Hash requests a file's hash from the server using the HASH command
// (draft-bryan-ftp-hash). The algorithm is the server's default unless
// changed with SetHashAlgo.
func (c *Client) Hash(path string) (string, error) {
	return c.HashContext(context.Background(), path)
}

// HashContext is Hash with an explicit cancellation context.
func (c *Client) HashContext(ctx context.Context, path string) (string, error) {
	resp, err := c.sendCommand(ctx, "HASH", path)
	if err != nil {
		return "", err
	}
	if resp.Code != 213 {
		return "", &FtpError{Command: "HASH", Response: resp.Message, Code: resp.Code}
	}

	parts := strings.Fields(resp.Message)
	if len(parts) < 2 {
		return "", &ProtocolParseError{Extractor: "Hash", Input: resp.Message}
	}
	return parts[1], nil
}

// SetHashAlgo selects the hash algorithm used by Hash, via OPTS HASH.
func (c *Client) SetHashAlgo(algo string) error {
	return c.SetHashAlgoContext(context.Background(), algo)
}

// SetHashAlgoContext is SetHashAlgo with an explicit cancellation context.
func (c *Client) SetHashAlgoContext(ctx context.Context, algo string) error {
	_, err := c.expect2xx(ctx, "OPTS", "HASH", algo)
	return err
}

// UploadFile opens localPath and streams it to remotePath using Store.
func (c *Client) UploadFile(localPath, remotePath string) error {
	return c.UploadFileContext(context.Background(), localPath, remotePath)
}

// UploadFileContext is UploadFile with an explicit cancellation context.
func (c *Client) UploadFileContext(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &IoError{Op: "open local file", Err: err}
	}
	defer f.Close()

	if err := c.StoreContext(ctx, remotePath, f); err != nil {
		return wrapf(err, "upload %s", localPath)
	}
	return nil
}

// DownloadFile streams remotePath into localPath using Retrieve, removing
// the partial local file on failure.
func (c *Client) DownloadFile(remotePath, localPath string) error {
	return c.DownloadFileContext(context.Background(), remotePath, localPath)
}

// DownloadFileContext is DownloadFile with an explicit cancellation context.
func (c *Client) DownloadFileContext(ctx context.Context, remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return &IoError{Op: "create local file", Err: err}
	}
	defer f.Close()

	if err := c.RetrieveContext(ctx, remotePath, f); err != nil {
		_ = os.Remove(localPath)
		return wrapf(err, "download %s", remotePath)
	}
	return nil
}
