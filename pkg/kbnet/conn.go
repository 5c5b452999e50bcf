// Package kbnet establishes benchmark connections: a TCP dial with an
// optional local bind, an optional PROXY protocol preamble, and an optional
// TLS handshake, in that order. One call is one attempt; retry policy
// belongs to the caller.
package kbnet

import (
	"net"
	"sync/atomic"
)

// Conn is an established benchmark connection. It counts bytes through
// itself so a run can report traffic volume without instrumenting callers.
type Conn struct {
	net.Conn
	numBytesRead    int64
	numBytesWritten int64
}

// NewConn wraps an established net.Conn.
func NewConn(netConn net.Conn) *Conn {
	return &Conn{Conn: netConn}
}

// Read implements the Reader interface
func (c *Conn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *Conn) Write(p []byte) (n int, err error) {
	n, err = c.Conn.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// NumBytesRead returns the number of bytes read so far.
func (c *Conn) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumBytesWritten returns the number of bytes written so far.
func (c *Conn) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}
