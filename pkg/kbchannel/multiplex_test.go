package kbchannel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/keybench/pkg/keyless"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiplexEcho(t *testing.T) {
	conn, _ := newBackedPair(t, nil)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	out, err := mc.Call(context.Background(), echoRequest([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
	assert.NotNil(t, mc.LocalAddr())
}

func TestMultiplexOutOfOrderResponses(t *testing.T) {
	// Random per-request delays make the backend respond in arbitrary
	// order; correlation must still route every response to its caller.
	handler := func(b *testBackend, id uint32, req *keyless.Request) {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		b.echo(id, req)
	}
	conn, backend := newBackedPair(t, handler)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	const calls = 50
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := make([]byte, 8)
			binary.BigEndian.PutUint64(payload, uint64(i))
			out, err := mc.Call(context.Background(), echoRequest(payload))
			if err != nil {
				errs[i] = err
				return
			}
			if got := binary.BigEndian.Uint64(out); got != uint64(i) {
				errs[i] = fmt.Errorf("call %d got result for %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}

	// Every request carried a distinct correlation id.
	seen := make(map[uint32]bool)
	for _, id := range backend.ids() {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, calls)
}

func TestMultiplexIDWraparound(t *testing.T) {
	conn, backend := newBackedPair(t, nil)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	mc.Lock.Lock()
	mc.nextID = 0xFFFFFFFE
	mc.Lock.Unlock()

	for i := 0; i < 5; i++ {
		_, err := mc.Call(context.Background(), echoRequest([]byte{byte(i)}))
		require.NoError(t, err)
	}
	ids := backend.ids()
	require.Len(t, ids, 5)
	assert.Equal(t, uint32(0xFFFFFFFE), ids[0])
	assert.Equal(t, uint32(0xFFFFFFFF), ids[1])
	assert.Equal(t, uint32(0), ids[2])
}

func TestMultiplexServerErrorKeepsChannelAlive(t *testing.T) {
	handler := func(b *testBackend, id uint32, req *keyless.Request) {
		if len(req.Payload) == 0 {
			b.respondError(id, keyless.ErrCodeKeyNotFound)
			return
		}
		b.echo(id, req)
	}
	conn, _ := newBackedPair(t, handler)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	_, err := mc.Call(context.Background(), echoRequest(nil))
	var se *keyless.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, keyless.ErrCodeKeyNotFound, se.Code)

	// The failure was per-request; the channel still works.
	out, err := mc.Call(context.Background(), echoRequest([]byte("still alive")))
	require.NoError(t, err)
	assert.Equal(t, []byte("still alive"), out)
}

func TestMultiplexTimeoutThenLateResponse(t *testing.T) {
	type dropped struct {
		id  uint32
		req *keyless.Request
	}
	droppedCh := make(chan dropped, 1)
	handler := func(b *testBackend, id uint32, req *keyless.Request) {
		if string(req.Payload) == "drop me" {
			droppedCh <- dropped{id: id, req: req}
			return
		}
		b.echo(id, req)
	}
	conn, backend := newBackedPair(t, handler)
	mc := NewMultiplexChannel(newTestLogger(t), conn, &MultiplexOptions{RequestTimeout: 50 * time.Millisecond})
	defer mc.Close()

	_, err := mc.Call(context.Background(), echoRequest([]byte("drop me")))
	require.ErrorIs(t, err, ErrRequestTimeout)

	// The response arriving after the timeout must be discarded, not
	// delivered to anyone, and must not disturb the channel.
	d := <-droppedCh
	backend.respond(d.id, d.req.Payload)

	out, err := mc.Call(context.Background(), echoRequest([]byte("next")))
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), out)
}

func TestMultiplexContextCancel(t *testing.T) {
	handler := func(b *testBackend, id uint32, req *keyless.Request) {}
	conn, _ := newBackedPair(t, handler)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := mc.Call(ctx, echoRequest([]byte("never answered")))
	require.ErrorIs(t, err, context.Canceled)
}

func TestMultiplexUnsolicitedResponseDiscarded(t *testing.T) {
	conn, backend := newBackedPair(t, nil)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	backend.respond(0x12345678, []byte("nobody asked"))

	out, err := mc.Call(context.Background(), echoRequest([]byte("real")))
	require.NoError(t, err)
	assert.Equal(t, []byte("real"), out)
}

func TestMultiplexConnectionDeathFanOut(t *testing.T) {
	// The backend swallows everything; N calls block in flight. Killing
	// the connection must fail exactly those N callers, each once.
	handler := func(b *testBackend, id uint32, req *keyless.Request) {}
	conn, backend := newBackedPair(t, handler)
	mc := NewMultiplexChannel(newTestLogger(t), conn, &MultiplexOptions{RequestTimeout: 10 * time.Second})
	defer mc.Close()

	const calls = 8
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mc.Call(context.Background(), echoRequest([]byte{byte(i)}))
		}(i)
	}

	// Wait until all requests have reached the backend, then cut the wire.
	require.Eventually(t, func() bool { return backend.requestCount() == calls },
		2*time.Second, 5*time.Millisecond)
	backend.conn.Close()

	wg.Wait()
	for i, err := range errs {
		assert.ErrorIs(t, err, ErrChannelClosed, "call %d", i)
	}

	// Later calls fail fast the same way.
	_, err := mc.Call(context.Background(), echoRequest([]byte("too late")))
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestMultiplexProtocolGarbageIsFatal(t *testing.T) {
	conn, backend := newBackedPair(t, nil)
	mc := NewMultiplexChannel(newTestLogger(t), conn, nil)
	defer mc.Close()

	// A frame claiming an unsupported protocol version.
	backend.send([]byte{0x7F, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01})

	_, err := mc.Call(context.Background(), echoRequest([]byte("x")))
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestMultiplexHeartbeat(t *testing.T) {
	conn, backend := newBackedPair(t, nil)
	mc := NewMultiplexChannel(newTestLogger(t), conn, &MultiplexOptions{
		RequestTimeout:    100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer mc.Close()

	// Idle channel, pings flow on their own.
	require.Eventually(t, func() bool { return backend.requestCount() >= 2 },
		2*time.Second, 5*time.Millisecond)

	// When the backend goes silent the heartbeat tears the channel down.
	backend.conn.Close()
	select {
	case <-mc.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not shut down after backend death")
	}
}
