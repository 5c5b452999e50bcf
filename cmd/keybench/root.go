package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/keybench/pkg/kbench"
	"github.com/sammck-go/logger"
	"github.com/spf13/cobra"
)

// opFlags maps the mutually exclusive operation flags to operation names.
var opFlags = []string{
	"rsa-private-decrypt",
	"rsa-private-encrypt",
	"rsa-public-decrypt",
	"rsa-public-encrypt",
	"rsa-sign",
	"ecdsa-sign",
	"ed25519-sign",
	"ping",
}

func newRootCommand() *cobra.Command {
	var (
		cfgFile  string
		debug    bool
		selected = make(map[string]*bool, len(opFlags))
	)
	cfg := &kbench.Config{}

	cmd := &cobra.Command{
		Use:   "keybench [flags] [payload-hex]",
		Short: "benchmark a remote private-key (keyless) backend",
		Long: `keybench establishes one or more connections to a keyless backend, drives
the selected private-key operation at the configured concurrency, and
reports latency and error statistics. Results can optionally be verified
against a locally loaded private key.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				fileCfg, err := kbench.LoadConfig(cfgFile)
				if err != nil {
					return err
				}
				overlayFileConfig(cmd, cfg, fileCfg)
			}
			for name, on := range selected {
				if *on {
					cfg.Operation = name
				}
			}
			if len(args) == 1 {
				cfg.PayloadHex = args[0]
			}
			return runBench(cfg, debug)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file; explicit flags override it")
	f.BoolVar(&debug, "debug", false, "enable debug logging")

	f.StringVar(&cfg.Target, "target", "", "backend address (host:port)")
	f.StringVarP(&cfg.LocalAddress, "local-address", "B", "", "local IP address to bind outgoing connections to")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 0, "timeout for one connection attempt")
	f.DurationVar(&cfg.RequestTimeout, "timeout", 0, "timeout for one request round trip")
	f.IntVar(&cfg.ConnectRetries, "connect-retries", 0, "extra initial connection attempts before giving up")

	f.IntVarP(&cfg.ConnectionPool, "connection-pool", "C", 0, "number of multiplexed connections shared by all workers")
	f.BoolVar(&cfg.NoMultiplex, "no-multiplex", false, "one serial connection per worker instead of multiplexing")
	cmd.MarkFlagsMutuallyExclusive("connection-pool", "no-multiplex")

	f.BoolVar(&cfg.UseTLS, "tls", false, "connect over TLS")
	f.StringVar(&cfg.TLSName, "tls-name", "", "TLS server name; overrides the target host")
	f.BoolVar(&cfg.NoVerifyCert, "no-verify", false, "skip TLS certificate verification")
	f.IntVar(&cfg.ProxyProtocol, "proxy-protocol", 0, "send a PROXY protocol preamble (1 or 2)")

	f.StringVar(&cfg.CertFile, "cert", "", "certificate file selecting the backend key")
	f.StringVar(&cfg.KeyFile, "key", "", "private key file for local verification")

	f.StringVar(&cfg.DigestType, "digest-type", "", "digest for sign operations (md5sha1, sha1, sha224, sha256, sha384, sha512)")
	f.StringVar(&cfg.RSAPadding, "rsa-padding", "", "RSA padding (none, pkcs1, oaep, pss, x931)")
	f.BoolVar(&cfg.Verify, "verify", false, "verify every result against the local key")
	f.BoolVar(&cfg.DumpResult, "dump-result", false, "log each result as hex")

	f.IntVarP(&cfg.Concurrency, "concurrency", "c", 0, "number of concurrent workers")
	f.Int64VarP(&cfg.Requests, "requests", "n", 0, "total number of requests")
	f.DurationVar(&cfg.Duration, "duration", 0, "run for this long instead of a request count")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 0, "idle ping interval on multiplexed connections")
	f.StringVar(&cfg.StatusAddr, "status-addr", "", "serve live run statistics on this HTTP address")

	for _, name := range opFlags {
		on := new(bool)
		selected[name] = on
		f.BoolVar(on, name, false, "run the "+name+" operation")
	}
	cmd.MarkFlagsMutuallyExclusive(opFlags...)

	return cmd
}

// overlayFileConfig fills every field whose flag was not explicitly set from
// the config file. Flags always win over the file.
func overlayFileConfig(cmd *cobra.Command, cfg, fileCfg *kbench.Config) {
	set := cmd.Flags().Changed
	if !set("target") {
		cfg.Target = fileCfg.Target
	}
	if !set("local-address") {
		cfg.LocalAddress = fileCfg.LocalAddress
	}
	if !set("connect-timeout") {
		cfg.ConnectTimeout = fileCfg.ConnectTimeout
	}
	if !set("timeout") {
		cfg.RequestTimeout = fileCfg.RequestTimeout
	}
	if !set("connect-retries") {
		cfg.ConnectRetries = fileCfg.ConnectRetries
	}
	if !set("connection-pool") {
		cfg.ConnectionPool = fileCfg.ConnectionPool
	}
	if !set("no-multiplex") {
		cfg.NoMultiplex = fileCfg.NoMultiplex
	}
	if !set("tls") {
		cfg.UseTLS = fileCfg.UseTLS
	}
	if !set("tls-name") {
		cfg.TLSName = fileCfg.TLSName
	}
	if !set("no-verify") {
		cfg.NoVerifyCert = fileCfg.NoVerifyCert
	}
	if !set("proxy-protocol") {
		cfg.ProxyProtocol = fileCfg.ProxyProtocol
	}
	if !set("cert") {
		cfg.CertFile = fileCfg.CertFile
	}
	if !set("key") {
		cfg.KeyFile = fileCfg.KeyFile
	}
	if !set("digest-type") {
		cfg.DigestType = fileCfg.DigestType
	}
	if !set("rsa-padding") {
		cfg.RSAPadding = fileCfg.RSAPadding
	}
	if !set("verify") {
		cfg.Verify = fileCfg.Verify
	}
	if !set("dump-result") {
		cfg.DumpResult = fileCfg.DumpResult
	}
	if !set("concurrency") {
		cfg.Concurrency = fileCfg.Concurrency
	}
	if !set("requests") {
		cfg.Requests = fileCfg.Requests
	}
	if !set("duration") {
		cfg.Duration = fileCfg.Duration
	}
	if !set("heartbeat") {
		cfg.HeartbeatInterval = fileCfg.HeartbeatInterval
	}
	if !set("status-addr") {
		cfg.StatusAddr = fileCfg.StatusAddr
	}
	cfg.Operation = fileCfg.Operation
	cfg.PayloadHex = fileCfg.PayloadHex
	cfg.Keys = fileCfg.Keys
}

func runBench(cfg *kbench.Config, debug bool) error {
	level := logger.LogLevelInfo
	if debug {
		level = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("keybench"),
	)
	if err != nil {
		return err
	}

	r, err := kbench.NewRunner(lg, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshot, err := r.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(snapshot)
	return nil
}
