package kbchannel

import (
	"net"
	"os"
	"sync"
	"testing"

	"github.com/prep/socketpair"
	"github.com/sammck-go/keybench/pkg/keyless"
	"github.com/sammck-go/logger"
)

// testBackend speaks the real frame format over one connection, with the
// response behavior supplied per test: echo, delay, drop, wrong ids, error
// codes. Each request is served in its own goroutine, so delayed handlers
// reorder responses naturally.
type testBackend struct {
	t         *testing.T
	conn      net.Conn
	writeLock sync.Mutex
	handler   func(b *testBackend, id uint32, req *keyless.Request)

	lock    sync.Mutex
	seenIDs []uint32
}

func newTestBackend(t *testing.T, conn net.Conn, handler func(b *testBackend, id uint32, req *keyless.Request)) *testBackend {
	t.Helper()
	if handler == nil {
		handler = (*testBackend).echo
	}
	b := &testBackend{t: t, conn: conn, handler: handler}
	go b.serve()
	return b
}

func (b *testBackend) serve() {
	for {
		id, req, err := keyless.ReadRequest(b.conn)
		if err != nil {
			return
		}
		b.lock.Lock()
		b.seenIDs = append(b.seenIDs, id)
		b.lock.Unlock()
		go b.handler(b, id, req)
	}
}

func (b *testBackend) echo(id uint32, req *keyless.Request) {
	b.respond(id, req.Payload)
}

func (b *testBackend) respond(id uint32, payload []byte) {
	frame, err := keyless.EncodeResponse(id, payload)
	if err != nil {
		b.t.Errorf("EncodeResponse() returned error: %s", err)
		return
	}
	b.send(frame)
}

func (b *testBackend) respondError(id uint32, code keyless.ErrorCode) {
	b.send(keyless.EncodeErrorResponse(id, code))
}

func (b *testBackend) send(frame []byte) {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()
	b.conn.Write(frame)
}

func (b *testBackend) requestCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.seenIDs)
}

func (b *testBackend) ids() []uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]uint32(nil), b.seenIDs...)
}

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// newBackedPair wires a fresh socketpair to a test backend and returns the
// client side.
func newBackedPair(t *testing.T, handler func(b *testBackend, id uint32, req *keyless.Request)) (net.Conn, *testBackend) {
	t.Helper()
	clientConn, serverConn, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New() returned error: %s", err)
	}
	b := newTestBackend(t, serverConn, handler)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return clientConn, b
}

func echoRequest(payload []byte) *keyless.Request {
	return &keyless.Request{Action: keyless.PingAction(), Payload: payload}
}
