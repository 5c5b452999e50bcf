// Package kbchannel drives keyless requests over established connections.
// A Channel owns one connection for its whole life: requests go in, results
// or errors come out, and when the connection dies the channel dies with it
// and fails everything still in flight. There is no reconnection here.
//
// Two channel kinds exist. SimplexChannel keeps one request in flight and
// requires in-order responses. MultiplexChannel pipelines many requests and
// correlates responses by id, tolerating arbitrary reordering.
package kbchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/keybench/pkg/keyless"
)

// DefaultRequestTimeout bounds one request round trip when the caller does
// not say otherwise.
const DefaultRequestTimeout = 5 * time.Second

// ErrChannelClosed reports a call made on, or failed by, a channel whose
// connection is permanently dead. Returned errors wrap it together with the
// root cause; match with errors.Is.
var ErrChannelClosed = errors.New("kbchannel: channel closed")

// ErrRequestTimeout reports a request that did not complete within the
// request timeout. On a multiplexed channel the channel itself stays
// usable; a response arriving after the timeout is discarded.
var ErrRequestTimeout = errors.New("kbchannel: request timed out")

func closedError(cause error) error {
	if cause == nil {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %s", ErrChannelClosed, cause)
}

// Channel is one live connection to a keyless backend. Call sends one
// request and blocks for its result; it is safe for concurrent use. After
// the channel shuts down every Call fails with ErrChannelClosed.
type Channel interface {
	asyncobj.AsyncShutdowner

	// Call performs one request round trip. The result payload is returned
	// on success; a backend-reported failure is a *keyless.ServerError.
	Call(ctx context.Context, req *keyless.Request) ([]byte, error)

	// LocalAddr returns the connection's local socket address.
	LocalAddr() net.Addr
}
