package kbnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/sammck-go/logger"
)

// DefaultConnectTimeout bounds a single connection attempt when the caller
// does not say otherwise.
const DefaultConnectTimeout = 10 * time.Second

// TLSOptions configures the optional TLS layer of a dial. ServerName, when
// set, overrides the target host for both SNI and certificate verification.
type TLSOptions struct {
	ServerName         string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// Dialer establishes connections to one target. A zero ProxyProtoVersion
// disables the preamble; 1 and 2 select the PROXY protocol version. A nil
// TLS field means a plaintext connection.
type Dialer struct {
	logger.Logger
	Target            string
	BindIP            net.IP
	ConnectTimeout    time.Duration
	ProxyProtoVersion byte
	TLS               *TLSOptions
}

// NewDialer creates a Dialer for target ("host:port") with default timeout,
// no bind, no preamble and no TLS.
func NewDialer(lg logger.Logger, target string) *Dialer {
	return &Dialer{
		Logger:         lg.ForkLogStr(fmt.Sprintf("dial(%s)", target)),
		Target:         target,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// DialContext makes one connection attempt: TCP connect, then the PROXY
// preamble (always before any TLS byte, so the receiving proxy can parse
// it), then the TLS handshake. Any failing step closes the socket and fails
// the whole attempt; there is no retry here.
func (d *Dialer) DialContext(ctx context.Context) (*Conn, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	nd := net.Dialer{Timeout: timeout}
	if d.BindIP != nil {
		nd.LocalAddr = &net.TCPAddr{IP: d.BindIP}
	}
	netConn, err := nd.DialContext(ctx, "tcp", d.Target)
	if err != nil {
		return nil, fmt.Errorf("kbnet: tcp connect to %s failed: %w", d.Target, err)
	}
	d.DLogf("tcp connected, local address %s", netConn.LocalAddr())

	if d.ProxyProtoVersion != 0 {
		hdr := proxyproto.HeaderProxyFromAddrs(d.ProxyProtoVersion, netConn.LocalAddr(), netConn.RemoteAddr())
		if _, err := hdr.WriteTo(netConn); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("kbnet: proxy protocol v%d preamble to %s failed: %w",
				d.ProxyProtoVersion, d.Target, err)
		}
		d.DLogf("sent proxy protocol v%d preamble", d.ProxyProtoVersion)
	}

	if d.TLS != nil {
		tlsConn, err := d.handshake(ctx, netConn)
		if err != nil {
			netConn.Close()
			return nil, err
		}
		netConn = tlsConn
	}
	return NewConn(netConn), nil
}

func (d *Dialer) handshake(ctx context.Context, netConn net.Conn) (net.Conn, error) {
	serverName := d.TLS.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(d.Target)
		if err != nil {
			return nil, fmt.Errorf("kbnet: cannot derive tls server name from target %q: %w", d.Target, err)
		}
		serverName = host
	}
	conf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: d.TLS.InsecureSkipVerify,
		RootCAs:            d.TLS.RootCAs,
	}
	tlsConn := tls.Client(netConn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("kbnet: tls handshake with %s (server name %q) failed: %w",
			d.Target, serverName, err)
	}
	d.DLogf("tls established, server name %q", serverName)
	return tlsConn, nil
}
