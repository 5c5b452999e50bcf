package kbench

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sammck-go/keybench/pkg/keyless"
	"gopkg.in/yaml.v3"
)

// Defaults mirroring the common backend timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultConcurrency    = 1
)

// KeyEntry is one certificate/key pair for the key store.
type KeyEntry struct {
	Certificate string `yaml:"certificate"`
	PrivateKey  string `yaml:"private_key"`
}

// Config is the full run configuration. It can be read from a YAML file,
// populated from flags, or both; flag values win where both are set.
type Config struct {
	Target         string        `yaml:"target"`
	LocalAddress   string        `yaml:"local_address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`

	// ConnectionPool selects multiplexed channels shared round-robin by
	// all workers; NoMultiplex gives every worker a private serial
	// connection. With neither set, every worker gets a private
	// multiplexed connection. The two are mutually exclusive.
	ConnectionPool int  `yaml:"connection_pool"`
	NoMultiplex    bool `yaml:"no_multiplex"`

	UseTLS        bool   `yaml:"tls"`
	TLSName       string `yaml:"tls_name"`
	NoVerifyCert  bool   `yaml:"no_verify_cert"`
	ProxyProtocol int    `yaml:"proxy_protocol"`

	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`

	Operation  string `yaml:"operation"`
	DigestType string `yaml:"digest_type"`
	RSAPadding string `yaml:"rsa_padding"`
	PayloadHex string `yaml:"payload"`

	Verify     bool `yaml:"verify"`
	DumpResult bool `yaml:"dump_result"`

	Concurrency int           `yaml:"concurrency"`
	Requests    int64         `yaml:"requests"`
	Duration    time.Duration `yaml:"duration"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	StatusAddr string     `yaml:"status_addr"`
	Keys       []KeyEntry `yaml:"keys"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kbench: cannot read config file %q: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("kbench: cannot parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RSAPadding == "" {
		c.RSAPadding = "pkcs1"
	}
}

// Validate rejects inconsistent configurations before anything connects.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("kbench: target is required")
	}
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		return fmt.Errorf("kbench: target must be host:port: %w", err)
	}
	if c.ConnectionPool > 0 && c.NoMultiplex {
		return fmt.Errorf("kbench: connection_pool and no_multiplex are mutually exclusive")
	}
	if c.ConnectionPool < 0 {
		return fmt.Errorf("kbench: connection_pool must not be negative")
	}
	if c.LocalAddress != "" && net.ParseIP(c.LocalAddress) == nil {
		return fmt.Errorf("kbench: local_address %q is not an IP address", c.LocalAddress)
	}
	switch c.ProxyProtocol {
	case 0, 1, 2:
	default:
		return fmt.Errorf("kbench: proxy_protocol must be 1 or 2")
	}
	if c.Requests <= 0 && c.Duration <= 0 {
		return fmt.Errorf("kbench: either requests or duration must be set")
	}
	if c.Operation == "" {
		return fmt.Errorf("kbench: operation is required")
	}
	if _, err := c.BuildAction(); err != nil {
		return err
	}
	if _, err := c.PayloadBytes(); err != nil {
		return err
	}
	if c.Verify && c.KeyFile == "" && len(c.Keys) == 0 {
		return fmt.Errorf("kbench: verify requires a private key file")
	}
	return nil
}

// BuildAction assembles the keyless action from the operation, digest and
// padding fields.
func (c *Config) BuildAction() (keyless.Action, error) {
	op, err := keyless.ParseOp(c.Operation)
	if err != nil {
		return keyless.Action{}, err
	}
	padding := keyless.PaddingPKCS1
	if c.RSAPadding != "" {
		padding, err = keyless.ParseRSAPadding(c.RSAPadding)
		if err != nil {
			return keyless.Action{}, err
		}
	}
	var digest keyless.SignDigest
	if c.DigestType != "" {
		digest, err = keyless.ParseSignDigest(c.DigestType)
		if err != nil {
			return keyless.Action{}, err
		}
	}
	switch op {
	case keyless.OpRSASign:
		if digest == 0 {
			return keyless.Action{}, fmt.Errorf("kbench: %s requires digest_type", c.Operation)
		}
		return keyless.NewRSASignAction(digest, padding), nil
	case keyless.OpECDSASign:
		if digest == 0 {
			return keyless.Action{}, fmt.Errorf("kbench: %s requires digest_type", c.Operation)
		}
		return keyless.NewECDSASignAction(digest), nil
	case keyless.OpEd25519Sign:
		return keyless.NewEd25519SignAction(), nil
	case keyless.OpPing:
		return keyless.PingAction(), nil
	default:
		return keyless.NewRSAAction(op, padding)
	}
}

// PayloadBytes decodes the hex payload.
func (c *Config) PayloadBytes() ([]byte, error) {
	if c.PayloadHex == "" {
		return nil, nil
	}
	payload, err := hex.DecodeString(c.PayloadHex)
	if err != nil {
		return nil, fmt.Errorf("kbench: payload is not valid hex: %w", err)
	}
	return payload, nil
}
