// Package config loads connection settings from JSON.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/policy"
	"github.com/WhileEndless/go-rawframe/pkg/transport"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.NewValidationError("invalid duration " + strconv.Quote(s))
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.NewValidationError("invalid duration " + string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Auth holds Basic authentication credentials.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Settings configures one client connection.
type Settings struct {
	Scheme         string              `json:"scheme"`
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	DefaultHeaders map[string][]string `json:"defaultHeaders,omitempty"`
	Auth           *Auth               `json:"auth,omitempty"`

	// RequestQueueSize bounds the requests in flight on the connection.
	RequestQueueSize int `json:"requestQueueSize"`
	// MaxBufferSize caps the bytes buffered for one inbound frame.
	MaxBufferSize int `json:"maxBufferSize"`

	ConnTimeout  Duration `json:"connTimeout"`
	DNSTimeout   Duration `json:"dnsTimeout"`
	ReadTimeout  Duration `json:"readTimeout"`
	WriteTimeout Duration `json:"writeTimeout"`

	// ConnectIP dials this address instead of resolving Host.
	ConnectIP   string `json:"connectIP,omitempty"`
	InsecureTLS bool   `json:"insecureTLS"`
	SNI         string `json:"sni,omitempty"`
	DisableSNI  bool   `json:"disableSNI"`
	// MinTLSVersion and MaxTLSVersion take "1.0" through "1.3".
	MinTLSVersion string `json:"minTLSVersion,omitempty"`
	MaxTLSVersion string `json:"maxTLSVersion,omitempty"`
}

// Default returns settings with every default applied.
func Default() Settings {
	return Settings{
		Scheme:           "http",
		RequestQueueSize: constants.DefaultRequestQueueSize,
		MaxBufferSize:    constants.MaxRawBufferSize,
		ConnTimeout:      Duration(constants.DefaultConnTimeout),
		DNSTimeout:       Duration(constants.DefaultDNSTimeout),
		ReadTimeout:      Duration(constants.DefaultReadTimeout),
		WriteTimeout:     Duration(constants.DefaultWriteTimeout),
	}
}

// Load reads and validates settings from a JSON file.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.NewIOError("reading settings "+path, err)
	}
	return Parse(data)
}

// Parse decodes settings from JSON over the defaults and validates them.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.NewValidationError("invalid settings: " + err.Error())
	}
	if s.Port == 0 {
		s.Port = defaultPort(s.Scheme)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Validate checks the settings for consistency.
func (s Settings) Validate() error {
	if s.Scheme != "http" && s.Scheme != "https" {
		return errors.NewValidationError("scheme must be http or https, got " + strconv.Quote(s.Scheme))
	}
	if s.Host == "" {
		return errors.NewValidationError("host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return errors.NewValidationError("port out of range: " + strconv.Itoa(s.Port))
	}
	if s.RequestQueueSize < 1 {
		return errors.NewValidationError("requestQueueSize must be positive")
	}
	if s.MaxBufferSize < 1 {
		return errors.NewValidationError("maxBufferSize must be positive")
	}
	if s.ConnTimeout < 0 || s.DNSTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return errors.NewValidationError("timeouts must not be negative")
	}
	if _, err := transport.ParseTLSVersion(s.MinTLSVersion); err != nil {
		return err
	}
	if _, err := transport.ParseTLSVersion(s.MaxTLSVersion); err != nil {
		return err
	}
	return nil
}

// PolicyOptions projects the settings onto the default session policy.
func (s Settings) PolicyOptions() policy.Options {
	opts := policy.Options{
		Scheme:         s.Scheme,
		Host:           s.Host,
		Port:           s.Port,
		DefaultHeaders: s.DefaultHeaders,
	}
	if s.Auth != nil {
		opts.Auth = &policy.Credentials{Username: s.Auth.Username, Password: s.Auth.Password}
	}
	return opts
}

// TransportConfig projects validated settings onto the dialer.
func (s Settings) TransportConfig() transport.Config {
	minTLS, _ := transport.ParseTLSVersion(s.MinTLSVersion)
	maxTLS, _ := transport.ParseTLSVersion(s.MaxTLSVersion)
	return transport.Config{
		Scheme:        s.Scheme,
		Host:          s.Host,
		Port:          s.Port,
		ConnectIP:     s.ConnectIP,
		SNI:           s.SNI,
		DisableSNI:    s.DisableSNI,
		InsecureTLS:   s.InsecureTLS,
		MinTLSVersion: minTLS,
		MaxTLSVersion: maxTLS,
		ConnTimeout:   time.Duration(s.ConnTimeout),
		DNSTimeout:    time.Duration(s.DNSTimeout),
		ReadTimeout:   time.Duration(s.ReadTimeout),
		WriteTimeout:  time.Duration(s.WriteTimeout),
	}
}

// LinkOptions projects the settings onto a transport.Link.
func (s Settings) LinkOptions() transport.LinkOptions {
	return transport.LinkOptions{
		ReadTimeout:  time.Duration(s.ReadTimeout),
		WriteTimeout: time.Duration(s.WriteTimeout),
	}
}
