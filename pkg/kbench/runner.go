package kbench

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/keybench/pkg/kbchannel"
	"github.com/sammck-go/keybench/pkg/kbnet"
	"github.com/sammck-go/keybench/pkg/keylocal"
	"github.com/sammck-go/keybench/pkg/keyless"
	"github.com/sammck-go/logger"
)

// Runner executes one benchmark run: it establishes the configured
// channels, fans the request load across Concurrency workers, records
// every outcome into Stats, and tears everything down at the end. A Runner
// is single-use.
//
// Channels make a single connection attempt by contract; the retry loop for
// the initial connections lives here, in the driver.
type Runner struct {
	*asyncobj.Helper
	cfg     *Config
	action  keyless.Action
	payload []byte

	km        *keylocal.KeyMaterial
	keyDigest []byte
	store     *keylocal.Store

	stats *Stats

	// guarded by Lock
	conns     []*kbnet.Conn
	channels  []kbchannel.Channel
	pool      *kbchannel.Pool
	status    *StatusServer
	cancelRun context.CancelFunc
}

// NewRunner validates the configuration and loads key material. Nothing
// connects yet; that happens in Run.
func NewRunner(lg logger.Logger, cfg *Config) (*Runner, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	action, err := cfg.BuildAction()
	if err != nil {
		return nil, err
	}
	payload, err := cfg.PayloadBytes()
	if err != nil {
		return nil, err
	}
	if err := action.Check(payload); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		action:  action,
		payload: payload,
		stats:   NewStats(),
	}
	r.Helper = asyncobj.NewHelper(lg.ForkLogStr("runner"), r)

	if cfg.CertFile != "" {
		km, err := keylocal.Load(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		r.useKeyMaterial(km)
	}
	if len(cfg.Keys) > 0 {
		if err := r.loadKeyStore(cfg.Keys); err != nil {
			return nil, err
		}
	}

	r.SetIsActivated()
	return r, nil
}

func (r *Runner) useKeyMaterial(km *keylocal.KeyMaterial) {
	r.km = km
	digest, err := keylocal.PublicKeyDigest(km.PublicKey)
	if err != nil {
		r.WLogf("no key digest will be sent: %s", err)
		return
	}
	r.keyDigest = digest
	r.DLogf("key digest %s", hex.EncodeToString(digest))
}

// loadKeyStore populates the one-shot key store from the config's key
// entries. When no --cert was given, the first entry doubles as the key
// material for digests and verification.
func (r *Runner) loadKeyStore(entries []KeyEntry) error {
	kms := make([]*keylocal.KeyMaterial, 0, len(entries))
	for _, e := range entries {
		km, err := keylocal.Load(e.Certificate, e.PrivateKey)
		if err != nil {
			return err
		}
		kms = append(kms, km)
	}
	store := keylocal.NewStore(r.Logger)
	if err := store.Init(kms); err != nil {
		return err
	}
	r.store = store
	if r.km == nil {
		r.useKeyMaterial(kms[0])
	}
	return nil
}

// Stats exposes the live counters, for the status server and tests.
func (r *Runner) Stats() *Stats {
	return r.stats
}

func (r *Runner) dialer() *kbnet.Dialer {
	d := kbnet.NewDialer(r.Logger, r.cfg.Target)
	d.ConnectTimeout = r.cfg.ConnectTimeout
	d.ProxyProtoVersion = byte(r.cfg.ProxyProtocol)
	if r.cfg.LocalAddress != "" {
		d.BindIP = net.ParseIP(r.cfg.LocalAddress)
	}
	if r.cfg.UseTLS {
		d.TLS = &kbnet.TLSOptions{
			ServerName:         r.cfg.TLSName,
			InsecureSkipVerify: r.cfg.NoVerifyCert,
		}
	}
	return d
}

// connect makes the initial connection attempts with exponential backoff.
func (r *Runner) connect(ctx context.Context, d *kbnet.Dialer) (*kbnet.Conn, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second}
	for {
		conn, err := d.DialContext(ctx)
		if err == nil {
			return conn, nil
		}
		if int(b.Attempt()) >= r.cfg.ConnectRetries {
			return nil, err
		}
		delay := b.Duration()
		r.WLogf("connect failed, retrying in %s: %s", delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Run performs the whole benchmark and returns the final counters. It
// blocks until the request count is exhausted, the duration elapses, or
// the runner is shut down.
func (r *Runner) Run(ctx context.Context) (Snapshot, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r.Lock.Lock()
	r.cancelRun = cancel
	r.Lock.Unlock()
	defer cancel()

	if err := r.setup(runCtx); err != nil {
		r.StartShutdown(err)
		r.WaitShutdown()
		return r.stats.Snapshot(), err
	}

	r.ILogf("running %s against %s: %d worker(s), %s",
		r.action, r.cfg.Target, r.cfg.Concurrency, r.describeLoad())

	var remaining int64 = r.cfg.Requests
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		ch := r.workerChannel(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.worker(runCtx, ch, &remaining)
		}(i)
	}
	wg.Wait()

	r.Lock.Lock()
	conns := r.conns
	r.Lock.Unlock()
	for _, conn := range conns {
		r.stats.AddBytes(conn.NumBytesRead(), conn.NumBytesWritten())
	}

	r.StartShutdown(nil)
	err := r.WaitShutdown()
	snapshot := r.stats.Snapshot()
	r.ILogf("run complete: %s", snapshot)
	return snapshot, err
}

func (r *Runner) describeLoad() string {
	if r.cfg.Requests > 0 {
		return fmt.Sprintf("%d requests", r.cfg.Requests)
	}
	return fmt.Sprintf("%s duration", r.cfg.Duration)
}

// setup establishes all connections and channels and starts the status
// server.
func (r *Runner) setup(ctx context.Context) error {
	d := r.dialer()

	// Without an explicit pool, every worker gets its own private
	// connection; a pool shares ConnectionPool multiplexed connections
	// among all workers.
	nchannels := r.cfg.Concurrency
	if !r.cfg.NoMultiplex && r.cfg.ConnectionPool > 0 {
		nchannels = r.cfg.ConnectionPool
	}

	var conns []*kbnet.Conn
	var channels []kbchannel.Channel
	for i := 0; i < nchannels; i++ {
		conn, err := r.connect(ctx, d)
		if err != nil {
			for _, ch := range channels {
				ch.StartShutdown(err)
			}
			return err
		}
		conns = append(conns, conn)
		if r.cfg.NoMultiplex {
			channels = append(channels, kbchannel.NewSimplexChannel(r.Logger, conn, r.cfg.RequestTimeout))
		} else {
			channels = append(channels, kbchannel.NewMultiplexChannel(r.Logger, conn, &kbchannel.MultiplexOptions{
				RequestTimeout:    r.cfg.RequestTimeout,
				HeartbeatInterval: r.cfg.HeartbeatInterval,
			}))
		}
	}

	r.Lock.Lock()
	r.conns = conns
	r.channels = channels
	if !r.cfg.NoMultiplex && r.cfg.ConnectionPool > 0 {
		r.pool = kbchannel.NewPool(r.Logger, channels)
	}
	r.Lock.Unlock()

	if r.cfg.StatusAddr != "" {
		status := NewStatusServer(r.Logger, r.stats)
		if err := status.Start(r.cfg.StatusAddr); err != nil {
			return err
		}
		r.Lock.Lock()
		r.status = status
		r.Lock.Unlock()
	}
	return nil
}

// workerChannel picks the channel worker i drives: the shared pool when
// one is configured, the worker's own private channel otherwise.
func (r *Runner) workerChannel(i int) kbchannel.Channel {
	r.Lock.Lock()
	defer r.Lock.Unlock()
	if r.pool != nil {
		return r.pool
	}
	return r.channels[i]
}

func (r *Runner) worker(ctx context.Context, ch kbchannel.Channel, remaining *int64) {
	req := &keyless.Request{
		Action:    r.action,
		Payload:   r.payload,
		KeyDigest: r.keyDigest,
	}
	for ctx.Err() == nil {
		if r.cfg.Requests > 0 && atomic.AddInt64(remaining, -1) < 0 {
			return
		}
		start := time.Now()
		out, err := ch.Call(ctx, req)
		if ctx.Err() != nil {
			return
		}
		r.stats.Record(time.Since(start), err)
		if err != nil {
			if errors.Is(err, kbchannel.ErrChannelClosed) {
				r.WLogf("channel died, worker stopping: %s", err)
				return
			}
			r.DLogf("request failed: %s", err)
			continue
		}
		if r.cfg.Verify && r.km != nil {
			if verr := r.km.Verify(r.action, r.payload, out); verr != nil {
				r.stats.RecordVerifyFailure()
				r.WLogf("result failed verification: %s", verr)
			}
		}
		if r.cfg.DumpResult {
			r.ILogf("result: %s", hex.EncodeToString(out))
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// stops the workers and tears down channels, pool and status server.
func (r *Runner) HandleOnceShutdown(completionErr error) error {
	r.Lock.Lock()
	cancel := r.cancelRun
	pool := r.pool
	channels := r.channels
	status := r.status
	r.Lock.Unlock()

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.StartShutdown(completionErr)
		pool.WaitShutdown()
	} else {
		for _, ch := range channels {
			ch.StartShutdown(completionErr)
		}
		for _, ch := range channels {
			ch.WaitShutdown()
		}
	}
	if status != nil {
		status.StartShutdown(completionErr)
		status.WaitShutdown()
	}
	return completionErr
}
