// Package transport opens connections and pumps bytes between a net.Conn
// and a connection engine.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/timing"
)

// Config holds dialing configuration.
type Config struct {
	Scheme    string
	Host      string
	Port      int
	ConnectIP string

	SNI         string
	DisableSNI  bool
	InsecureTLS bool
	// MinTLSVersion and MaxTLSVersion bound the negotiated version. Zero
	// selects TLS 1.2 and the library maximum.
	MinTLSVersion uint16
	MaxTLSVersion uint16

	ConnTimeout  time.Duration
	DNSTimeout   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dialer opens plain or TLS connections.
type Dialer struct {
	resolver *net.Resolver
	logger   *zap.Logger
}

// NewDialer creates a Dialer using the default resolver. A nil logger
// disables logging.
func NewDialer(logger *zap.Logger) *Dialer {
	return NewDialerWithResolver(net.DefaultResolver, logger)
}

// NewDialerWithResolver creates a Dialer with a custom resolver.
func NewDialerWithResolver(resolver *net.Resolver, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{resolver: resolver, logger: logger.Named("dialer")}
}

// Dial establishes a connection described by config. timer, when not nil,
// records the DNS, TCP and TLS phases.
func (d *Dialer) Dial(ctx context.Context, config Config, timer *timing.Timer) (net.Conn, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if timer == nil {
		timer = timing.NewTimer()
	}

	connTimeout := config.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = constants.DefaultConnTimeout
	}

	dialAddr, err := d.resolveAddress(ctx, config, timer)
	if err != nil {
		return nil, err
	}

	conn, err := d.connectTCP(ctx, dialAddr, connTimeout, timer)
	if err != nil {
		return nil, errors.NewConnectionError(config.Host, config.Port, err)
	}
	d.logger.Debug("connected", zap.String("addr", dialAddr))

	if strings.EqualFold(config.Scheme, "https") {
		tlsConn, err := d.upgradeTLS(ctx, conn, config, connTimeout, timer)
		if err != nil {
			conn.Close()
			return nil, errors.NewTLSError(config.Host, config.Port, err)
		}
		state := tlsConn.ConnectionState()
		d.logger.Debug("tls established",
			zap.String("version", tls.VersionName(state.Version)),
			zap.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
			zap.String("alpn", state.NegotiatedProtocol))
		return tlsConn, nil
	}
	return conn, nil
}

func validateConfig(config Config) error {
	if config.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if config.Scheme != "http" && config.Scheme != "https" {
		return errors.NewValidationError("scheme must be http or https")
	}
	if config.MaxTLSVersion != 0 && config.MinTLSVersion > config.MaxTLSVersion {
		return errors.NewValidationError("minimum TLS version is above the maximum")
	}
	return nil
}

func (d *Dialer) resolveAddress(ctx context.Context, config Config, timer *timing.Timer) (string, error) {
	if config.ConnectIP != "" {
		return net.JoinHostPort(config.ConnectIP, strconv.Itoa(config.Port)), nil
	}
	if ip := net.ParseIP(config.Host); ip != nil {
		return net.JoinHostPort(config.Host, strconv.Itoa(config.Port)), nil
	}

	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := config.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = constants.DefaultDNSTimeout
	}
	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(ctxLookup, config.Host)
	if err != nil {
		return "", errors.NewDNSError(config.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(config.Host, errors.NewValidationError("no IP addresses found"))
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(config.Port)), nil
}

func (d *Dialer) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", dialAddr)
}

func (d *Dialer) upgradeTLS(ctx context.Context, conn net.Conn, config Config, timeout time.Duration, timer *timing.Timer) (*tls.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsConfig(config))
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// tlsConfig offers only http/1.1 through ALPN.
func tlsConfig(config Config) *tls.Config {
	minVersion := config.MinTLSVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	c := &tls.Config{
		MinVersion:         minVersion,
		MaxVersion:         config.MaxTLSVersion,
		InsecureSkipVerify: config.InsecureTLS,
		NextProtos:         []string{"http/1.1"},
	}
	if !config.DisableSNI {
		c.ServerName = config.SNI
		if c.ServerName == "" {
			c.ServerName = config.Host
		}
	}
	return c
}

// ParseTLSVersion maps "1.0" to "1.3" (optionally prefixed "TLS") onto the
// crypto/tls constants. An empty name returns zero.
func ParseTLSVersion(name string) (uint16, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "TLS")
	switch strings.TrimSpace(v) {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.NewValidationError("unknown TLS version " + strconv.Quote(name))
}
