package ftp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/asgrim/goftp/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// This applies to both the initial connection and subsequent read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before sending NOOP keep-alive.
// If the connection is idle for longer than this duration, a NOOP command
// will be sent automatically to prevent the server from closing the connection.
// Set to 0 to disable automatic keep-alive.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.idleTimeout = timeout
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21) and upgrades to TLS
// using the AUTH TLS command.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode.
// The client connects directly with TLS, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithTLSProtocols constrains the negotiated TLS version range for both the
// control and data connections. min/max are tls.VersionTLSxx constants.
func WithTLSProtocols(min, max uint16) Option {
	return func(c *Client) error {
		if c.tlsConfig == nil {
			c.tlsConfig = &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(0)}
		}
		c.tlsConfig.MinVersion = min
		c.tlsConfig.MaxVersion = max
		return nil
	}
}

// WithClientCertificates supplies client certificates for mutual-TLS FTPS.
func WithClientCertificates(certs ...tls.Certificate) Option {
	return func(c *Client) error {
		if c.tlsConfig == nil {
			c.tlsConfig = &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(0)}
		}
		c.tlsConfig.Certificates = append(c.tlsConfig.Certificates, certs...)
		return nil
	}
}

// WithIgnoreCertificateErrors disables server certificate verification.
// Intended for self-signed test servers; never use against a production host.
func WithIgnoreCertificateErrors() Option {
	return func(c *Client) error {
		if c.tlsConfig == nil {
			c.tlsConfig = &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(0)}
		}
		c.tlsConfig.InsecureSkipVerify = true
		return nil
	}
}

// WithStrictFTPS requires a 200 reply to both PBSZ 0 and PROT P during the
// explicit-TLS upgrade, treating any other code as fatal. The default is
// best-effort: both commands are sent but their replies are ignored, since
// some RFC 4217 servers return non-200 on an already-protected channel.
func WithStrictFTPS() Option {
	return func(c *Client) error {
		c.strictFTPS = true
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and responses will be logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithCustomDialer sets an arbitrary Dialer implementation, for routing
// connections through a proxy or an in-memory pipe in tests.
func WithCustomDialer(dialer Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithResolver sets a custom *net.Resolver used to look up the host before
// dialing. Defaults to net.DefaultResolver.
func WithResolver(resolver *net.Resolver) Option {
	return func(c *Client) error {
		c.resolver = resolver
		return nil
	}
}

// WithIPVersion constrains DNS resolution to the given address family.
func WithIPVersion(pref IPVersion) Option {
	return func(c *Client) error {
		c.ipVersion = pref
		return nil
	}
}

// WithBaseDirectory sets a directory the session changes into (creating it
// recursively if necessary) as the final step of Login.
func WithBaseDirectory(path string) Option {
	return func(c *Client) error {
		c.baseDirectory = path
		return nil
	}
}

// WithTransferMode sets the TYPE command's representation type (e.g. "A" for
// ASCII, "I" for image/binary) and, for some servers, a second type
// parameter (e.g. the byte-size for TYPE L). Applied once during Login;
// Store/Retrieve/Append still force binary mode for the actual transfer.
func WithTransferMode(typeChar, secondType string) Option {
	return func(c *Client) error {
		c.transferType = typeChar
		c.transferSecondType = secondType
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command, forcing PASV.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithCustomListParser adds a custom directory listing parser.
// Custom parsers are tried before the built-in parsers (EPLF, DOS, Unix).
func WithCustomListParser(parser ListingParser) Option {
	return func(c *Client) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}

// WithBandwidthLimit caps Store/Retrieve/Append throughput to the given
// bytes-per-second rate using a token-bucket limiter. Zero (the default)
// disables shaping.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// tlsMode represents the TLS mode for the connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

// withActiveMode forces active-mode (PORT/EPRT) data connections. Unexported:
// active mode is a non-goal of the public API and exists only so the
// bundled integration tests can exercise the data-stream seam from both
// directions. See data.go.
func withActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}
