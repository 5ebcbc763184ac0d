// Package policy holds the default session policy applied to outgoing
// requests before they are framed and sent.
package policy

import (
	"encoding/base64"
	"net"
	"sort"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
)

// Credentials are sent as HTTP Basic authentication.
type Credentials struct {
	Username string
	Password string
}

// Options configures the default policy.
type Options struct {
	Scheme string
	Host   string
	Port   int

	// DefaultHeaders are added to requests that do not already carry them.
	DefaultHeaders map[string][]string
	// Auth, when set, replaces any Authorization header.
	Auth *Credentials
}

// Default injects Authorization, default headers and the Host header.
type Default struct {
	authorization string
	hostHeader    string
	names         []string
	headers       map[string][]string
}

// New validates opts and builds the policy.
func New(opts Options) (*Default, error) {
	p := &Default{headers: make(map[string][]string, len(opts.DefaultHeaders))}

	for name, values := range opts.DefaultHeaders {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.NewValidationError("invalid default header name " + strconv.Quote(name))
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, errors.NewValidationError("invalid value for default header " + name)
			}
		}
		p.names = append(p.names, name)
		p.headers[name] = values
	}
	sort.Strings(p.names)

	if opts.Auth != nil {
		token := base64.StdEncoding.EncodeToString([]byte(opts.Auth.Username + ":" + opts.Auth.Password))
		p.authorization = "Basic " + token
	}

	if opts.Host != "" {
		p.hostHeader = HostHeader(opts.Scheme, opts.Host, opts.Port)
		if !httpguts.ValidHostHeader(p.hostHeader) {
			return nil, errors.NewValidationError("invalid host " + strconv.Quote(p.hostHeader))
		}
	}
	return p, nil
}

// HostHeader formats host and port for a Host header, leaving out the
// scheme's default port.
func HostHeader(scheme, host string, port int) string {
	if port == 0 || (scheme == "https" && port == 443) || (scheme != "https" && port == 80) {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// AugmentRequest applies the policy to req in place and returns it. CONNECT
// requests only receive the Authorization header.
func (p *Default) AugmentRequest(req *message.Request) (*message.Request, error) {
	if !req.Success() {
		return req, nil
	}

	if p.authorization != "" {
		if err := req.SetHeader(constants.HeaderAuthorization, p.authorization); err != nil {
			return nil, err
		}
	}
	if req.Method() == "CONNECT" {
		return req, nil
	}

	for _, name := range p.names {
		if req.Headers().Has(name) {
			continue
		}
		for _, v := range p.headers[name] {
			if err := req.AddHeader(name, v); err != nil {
				return nil, err
			}
		}
	}

	if p.hostHeader != "" && req.Headers().Value(constants.HeaderHost) != p.hostHeader {
		if err := req.SetHeader(constants.HeaderHost, p.hostHeader); err != nil {
			return nil, err
		}
	}
	return req, nil
}
