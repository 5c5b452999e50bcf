package kbchannel

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/keybench/pkg/keyless"
	"github.com/sammck-go/logger"
)

// Pool is a fixed set of channels established up front and shared by many
// workers. Selection is round-robin; a channel that dies stays dead, and
// callers landing on it get ErrChannelClosed. The pool never reconnects.
type Pool struct {
	*asyncobj.Helper
	channels []Channel
	rr       uint32
}

// NewPool wraps established channels into a pool. The pool owns the
// channels and shuts them all down on shutdown.
func NewPool(lg logger.Logger, channels []Channel) *Pool {
	p := &Pool{channels: channels}
	p.Helper = asyncobj.NewHelper(lg.ForkLogStr("pool"), p)
	p.SetIsActivated()
	return p
}

// Size returns the number of channels in the pool.
func (p *Pool) Size() int {
	return len(p.channels)
}

// Next returns the next channel in round-robin order.
func (p *Pool) Next() Channel {
	i := atomic.AddUint32(&p.rr, 1) - 1
	return p.channels[int(i)%len(p.channels)]
}

// Get returns the channel at index i.
func (p *Pool) Get(i int) Channel {
	return p.channels[i]
}

// Call performs one request round trip on the next channel in round-robin
// order.
func (p *Pool) Call(ctx context.Context, req *keyless.Request) ([]byte, error) {
	return p.Next().Call(ctx, req)
}

// LocalAddr returns the local address of the pool's first channel.
func (p *Pool) LocalAddr() net.Addr {
	return p.channels[0].LocalAddr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// tears down every channel and reports the first teardown failure.
func (p *Pool) HandleOnceShutdown(completionErr error) error {
	for _, ch := range p.channels {
		ch.StartShutdown(completionErr)
	}
	for _, ch := range p.channels {
		err := ch.WaitShutdown()
		if completionErr == nil && err != nil && !errors.Is(err, ErrChannelClosed) {
			completionErr = err
		}
	}
	return completionErr
}
