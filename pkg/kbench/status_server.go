package kbench

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// StatusServer serves live run statistics while a benchmark is going:
// GET /stats returns one JSON snapshot, GET /live upgrades to a WebSocket
// that pushes a snapshot every second until the client goes away or the
// run ends.
type StatusServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
	stats    *Stats
	upgrader websocket.Upgrader
}

// NewStatusServer creates a status server over the given stats. It does
// not listen until Start is called.
func NewStatusServer(lg logger.Logger, stats *Stats) *StatusServer {
	ss := &StatusServer{
		Server: &http.Server{},
		stats:  stats,
	}
	ss.Helper = asyncobj.NewHelper(lg.ForkLogStr("status-server"), ss)
	return ss
}

// Start begins listening on addr and serving in the background. The server
// runs until shutdown.
func (ss *StatusServer) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return ss.DLogErrorf("status server listen on %s failed: %s", addr, err)
	}
	ss.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", ss.handleStats)
	mux.HandleFunc("/live", ss.handleLive)
	ss.Handler = requestlog.Wrap(mux)

	ss.SetIsActivated()
	ss.ILogf("status server listening on %s", l.Addr())
	go func() {
		err := ss.Serve(l)
		if err != http.ErrServerClosed {
			ss.StartShutdown(err)
		}
	}()
	return nil
}

// Close completely shuts down the server, then returns the final
// completion code.
func (ss *StatusServer) Close() error {
	return ss.Helper.Close()
}

// Addr returns the bound listen address, for tests that listen on port 0.
func (ss *StatusServer) Addr() net.Addr {
	return ss.listener.Addr()
}

func (ss *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ss.stats.Snapshot()); err != nil {
		ss.DLogf("stats encode failed: %s", err)
	}
}

func (ss *StatusServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := ss.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ss.DLogf("websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ss.ShutdownStartedChan():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(ss.stats.Snapshot()); err != nil {
				ss.DLogf("live feed ended: %s", err)
				return
			}
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener, which ends Serve and any live feeds.
func (ss *StatusServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if ss.listener != nil {
		err = ss.listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
