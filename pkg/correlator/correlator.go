// Package correlator pairs decoded responses with the requests that produced
// them. HTTP/1.x answers requests on a connection in the order they were sent,
// so pairing is a plain FIFO.
package correlator

import (
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/timing"
)

// Metadata is the string property bag carried alongside an exchange.
type Metadata map[string]string

// Clone returns a copy of md. A nil Metadata clones to an empty one.
func (md Metadata) Clone() Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// CompletionFunc is called with the response paired to a request and the
// metadata recorded when the request was sent.
type CompletionFunc func(resp *message.Response, md Metadata)

// Entry is one outstanding request.
type Entry struct {
	Request  *message.Request
	Metadata Metadata
	Complete CompletionFunc

	// Method is the request method, used to pick HEAD framing and to
	// recognize a CONNECT reply.
	Method string
	// LastResponse is set when the request did not allow the connection to
	// be kept alive.
	LastResponse bool

	Timer *timing.Timer
}

// Head reports whether the response to this entry has HEAD framing.
func (e *Entry) Head() bool {
	return e.Method == "HEAD"
}

// Correlator is a FIFO of outstanding requests. It does not block and it is
// not safe for concurrent use; the connection serializes access to it.
type Correlator struct {
	queue []*Entry
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{}
}

// OnRequestSent appends an entry for a request that has been sent.
func (c *Correlator) OnRequestSent(e *Entry) {
	c.queue = append(c.queue, e)
}

// Peek returns the oldest outstanding entry without removing it.
func (c *Correlator) Peek() (*Entry, bool) {
	if len(c.queue) == 0 {
		return nil, false
	}
	return c.queue[0], true
}

// OnResponseDecoded removes the oldest entry, invokes its completion hook
// with resp and returns it. An empty queue means the peer sent more responses
// than there were requests; that is reported as an unmatched_response error.
func (c *Correlator) OnResponseDecoded(resp *message.Response) (*Entry, error) {
	e, ok := c.pop()
	if !ok {
		line := ""
		if resp != nil {
			line = resp.StatusLine()
		}
		return nil, errors.NewUnmatchedResponseError(line)
	}
	if e.Complete != nil {
		e.Complete(resp, e.Metadata)
	}
	return e, nil
}

func (c *Correlator) pop() (*Entry, bool) {
	if len(c.queue) == 0 {
		return nil, false
	}
	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return e, true
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	return len(c.queue)
}

// Drain removes and returns every outstanding entry without completing them.
func (c *Correlator) Drain() []*Entry {
	out := c.queue
	c.queue = nil
	return out
}
