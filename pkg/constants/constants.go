// Package constants defines magic numbers and default values used throughout go-rawframe
package constants

import "time"

// Connection timeouts
const (
	DefaultConnTimeout  = 10 * time.Second
	DefaultDNSTimeout   = 5 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadSize     = 32 * 1024
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
	MaxChunkSizeHex  = 16                        // hex digits in a chunk size
)

// Buffer limits
const (
	DefaultBufferSize = 4 * 1024
	MaxRawBufferSize  = 100 * 1024 * 1024 // 100MB cap for a connection buffer
)

// Correlation
const (
	DefaultRequestQueueSize = 1000
)

// Metadata property names attached to outgoing and incoming events
const (
	MethodProperty      = "method"
	URIProperty         = "uri"
	StatusProperty      = "status"
	ReasonProperty      = "reason"
	ContentTypeProperty = "contentType"
)

// Header names the engine inspects or injects
const (
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderContentType      = "Content-Type"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderConnection       = "Connection"
	HeaderAuthorization    = "Authorization"
	HeaderHost             = "Host"
)
