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

// MultiplexOptions tunes a MultiplexChannel. The zero value gets the
// default request timeout and no heartbeat.
type MultiplexOptions struct {
	// RequestTimeout bounds each Call; <= 0 selects DefaultRequestTimeout.
	RequestTimeout time.Duration

	// HeartbeatInterval, when positive, sends a Ping request through the
	// normal dispatch path at this interval. A dead connection then
	// surfaces even when no caller is active.
	HeartbeatInterval time.Duration
}

type callResult struct {
	resp *keyless.Response
	err  error
}

// pendingCall is one in-flight request slot. ch is buffered so the one
// party that removes the slot can signal it without blocking.
type pendingCall struct {
	id uint32
	ch chan callResult
}

// MultiplexChannel pipelines requests over one connection and correlates
// responses by id. One reader goroutine owns the read half of the
// connection; writers serialize on a write mutex held only for the write.
// The pending-call table is guarded by the helper's Lock.
//
// Resolution is exactly-once by construction: whichever goroutine removes a
// slot from the table (the reader on a response, the caller on timeout or
// cancel, the shutdown sweep on connection death) is the only one that
// signals it.
type MultiplexChannel struct {
	*asyncobj.Helper
	conn       net.Conn
	reqTimeout time.Duration
	heartbeat  time.Duration

	writeLock sync.Mutex

	// guarded by Lock
	nextID  uint32
	pending map[uint32]*pendingCall
}

// NewMultiplexChannel starts a multiplex channel over an established
// connection. The channel owns the connection and closes it on shutdown.
// opts may be nil.
func NewMultiplexChannel(lg logger.Logger, conn net.Conn, opts *MultiplexOptions) *MultiplexChannel {
	mc := &MultiplexChannel{
		conn:       conn,
		reqTimeout: DefaultRequestTimeout,
		pending:    make(map[uint32]*pendingCall),
	}
	if opts != nil {
		if opts.RequestTimeout > 0 {
			mc.reqTimeout = opts.RequestTimeout
		}
		mc.heartbeat = opts.HeartbeatInterval
	}
	name := fmt.Sprintf("mux(%s)", conn.RemoteAddr())
	mc.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), mc)
	mc.SetIsActivated()
	go mc.readLoop()
	if mc.heartbeat > 0 {
		go mc.heartbeatLoop()
	}
	return mc
}

// LocalAddr returns the connection's local socket address.
func (mc *MultiplexChannel) LocalAddr() net.Addr {
	return mc.conn.LocalAddr()
}

// Call performs one request round trip.
func (mc *MultiplexChannel) Call(ctx context.Context, req *keyless.Request) ([]byte, error) {
	resp, err := mc.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Result()
}

func (mc *MultiplexChannel) roundTrip(ctx context.Context, req *keyless.Request) (*keyless.Response, error) {
	// Slot insertion and the frame write happen inside a shutdown-deferred
	// window, so the shutdown sweep can never run between them and miss
	// the slot.
	if err := mc.DeferShutdown(); err != nil {
		return nil, closedError(err)
	}

	mc.Lock.Lock()
	id := mc.allocateIDLocked()
	pc := &pendingCall{id: id, ch: make(chan callResult, 1)}
	mc.pending[id] = pc
	mc.Lock.Unlock()

	frame, err := keyless.EncodeRequest(id, req)
	if err != nil {
		mc.removeSlot(id)
		mc.UndeferShutdown()
		return nil, err
	}

	mc.writeLock.Lock()
	_, werr := mc.conn.Write(frame)
	mc.writeLock.Unlock()
	mc.UndeferShutdown()
	if werr != nil {
		mc.removeSlot(id)
		mc.StartShutdown(fmt.Errorf("kbchannel: frame write failed: %w", werr))
		return nil, closedError(werr)
	}

	timer := time.NewTimer(mc.reqTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		return res.resp, res.err
	case <-ctx.Done():
		if mc.removeSlot(id) {
			return nil, ctx.Err()
		}
		// Lost the removal race; the resolver's result is already in
		// flight and must be consumed.
		res := <-pc.ch
		return res.resp, res.err
	case <-timer.C:
		if mc.removeSlot(id) {
			return nil, ErrRequestTimeout
		}
		res := <-pc.ch
		return res.resp, res.err
	}
}

// allocateIDLocked hands out the next correlation id, skipping any id still
// pending. Ids wrap at 32 bits; the skip makes wraparound collision-free.
func (mc *MultiplexChannel) allocateIDLocked() uint32 {
	for {
		id := mc.nextID
		mc.nextID++
		if _, busy := mc.pending[id]; !busy {
			return id
		}
	}
}

// removeSlot removes a pending slot if it is still in the table, reporting
// whether this caller won the removal.
func (mc *MultiplexChannel) removeSlot(id uint32) bool {
	mc.Lock.Lock()
	_, ok := mc.pending[id]
	if ok {
		delete(mc.pending, id)
	}
	mc.Lock.Unlock()
	return ok
}

// readLoop owns the read half of the connection. It resolves each response
// against the pending table; an unmatched response (late after a timeout,
// or never asked for) is logged and discarded. Any read or framing error is
// fatal to the channel: frames cannot be resynchronized on a byte stream.
func (mc *MultiplexChannel) readLoop() {
	for {
		resp, err := keyless.ReadResponse(mc.conn)
		if err != nil {
			mc.StartShutdown(fmt.Errorf("kbchannel: frame read failed: %w", err))
			return
		}
		mc.Lock.Lock()
		pc, ok := mc.pending[resp.ID]
		if ok {
			delete(mc.pending, resp.ID)
		}
		mc.Lock.Unlock()
		if !ok {
			mc.DLogf("discarding unmatched response id %d", resp.ID)
			continue
		}
		pc.ch <- callResult{resp: resp}
	}
}

// heartbeatLoop sends a Ping through the normal dispatch path so an idle
// connection's death is noticed. A heartbeat failure other than a backend
// error code shuts the channel down.
func (mc *MultiplexChannel) heartbeatLoop() {
	ping := &keyless.Request{Action: keyless.PingAction()}
	ticker := time.NewTicker(mc.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-mc.ShutdownStartedChan():
			return
		case <-ticker.C:
			if _, err := mc.roundTrip(context.Background(), ping); err != nil {
				mc.StartShutdown(fmt.Errorf("kbchannel: heartbeat failed: %w", err))
				return
			}
			mc.DLogf("heartbeat ok")
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the connection, which unblocks the reader, then fails every
// remaining pending call with the shutdown cause.
func (mc *MultiplexChannel) HandleOnceShutdown(completionErr error) error {
	closeErr := mc.conn.Close()

	mc.Lock.Lock()
	swept := mc.pending
	mc.pending = make(map[uint32]*pendingCall)
	mc.Lock.Unlock()

	for _, pc := range swept {
		pc.ch <- callResult{err: closedError(completionErr)}
	}
	if len(swept) > 0 {
		mc.DLogf("failed %d pending call(s) on shutdown", len(swept))
	}

	if completionErr == nil {
		completionErr = closeErr
	}
	return completionErr
}
