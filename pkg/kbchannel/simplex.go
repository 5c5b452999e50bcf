package kbchannel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/keybench/pkg/keyless"
	"github.com/sammck-go/logger"
)

// SimplexChannel keeps exactly one request in flight: write a request, read
// the next frame, which must answer that request. Ids still increment per
// request, and a response carrying any other id is fatal, since a backend
// that reorders or volunteers frames has broken the strict-ordering
// contract this mode relies on.
//
// A request timeout is also fatal here. The response may still be on the
// wire, and a later caller would misattribute it, so the connection cannot
// be trusted after a timeout.
type SimplexChannel struct {
	*asyncobj.Helper
	conn       net.Conn
	reqTimeout time.Duration

	callLock sync.Mutex
	nextID   uint32
}

// NewSimplexChannel starts a simplex channel over an established
// connection. The channel owns the connection and closes it on shutdown.
// reqTimeout <= 0 selects DefaultRequestTimeout.
func NewSimplexChannel(lg logger.Logger, conn net.Conn, reqTimeout time.Duration) *SimplexChannel {
	sc := &SimplexChannel{
		conn:       conn,
		reqTimeout: reqTimeout,
	}
	if sc.reqTimeout <= 0 {
		sc.reqTimeout = DefaultRequestTimeout
	}
	name := fmt.Sprintf("simplex(%s)", conn.RemoteAddr())
	sc.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), sc)
	sc.SetIsActivated()
	return sc
}

// LocalAddr returns the connection's local socket address.
func (sc *SimplexChannel) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

// Call performs one request round trip. Concurrent callers are serialized
// FIFO on the channel's call lock.
func (sc *SimplexChannel) Call(ctx context.Context, req *keyless.Request) ([]byte, error) {
	resp, err := sc.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Result()
}

func (sc *SimplexChannel) roundTrip(ctx context.Context, req *keyless.Request) (*keyless.Response, error) {
	sc.callLock.Lock()
	defer sc.callLock.Unlock()

	if err := sc.DeferShutdown(); err != nil {
		return nil, closedError(err)
	}
	defer sc.UndeferShutdown()

	id := sc.nextID
	sc.nextID++

	frame, err := keyless.EncodeRequest(id, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(sc.reqTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := sc.conn.SetDeadline(deadline); err != nil {
		sc.StartShutdown(fmt.Errorf("kbchannel: set deadline failed: %w", err))
		return nil, closedError(err)
	}

	if _, err := sc.conn.Write(frame); err != nil {
		sc.StartShutdown(fmt.Errorf("kbchannel: frame write failed: %w", err))
		return nil, closedError(err)
	}

	resp, err := keyless.ReadResponse(sc.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			sc.StartShutdown(fmt.Errorf("kbchannel: request %d timed out, stream no longer trustworthy", id))
			return nil, ErrRequestTimeout
		}
		sc.StartShutdown(fmt.Errorf("kbchannel: frame read failed: %w", err))
		return nil, closedError(err)
	}
	if resp.ID != id {
		err := fmt.Errorf("kbchannel: response id %d not match request id %d", resp.ID, id)
		sc.StartShutdown(err)
		return nil, closedError(err)
	}
	return resp, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the connection; an in-flight call fails from its own I/O error.
func (sc *SimplexChannel) HandleOnceShutdown(completionErr error) error {
	err := sc.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
