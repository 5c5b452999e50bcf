// Package keylocal holds the local side of a benchmark run: loaded key
// material, public key fingerprints, and a reference implementation of every
// remote operation so that results coming back from a backend can be checked
// against a locally computed ground truth.
package keylocal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyMaterial is a certificate with its public key and, when available, the
// matching private key. It is immutable after construction; a benchmark run
// never mutates or rotates key material.
type KeyMaterial struct {
	Cert       *x509.Certificate
	PublicKey  crypto.PublicKey
	PrivateKey crypto.PrivateKey
}

// Load reads key material from PEM files. keyFile may be empty, in which
// case only the certificate's public key is available and local computation
// of private-key operations is not.
func Load(certFile, keyFile string) (*KeyMaterial, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("keylocal: cannot read certificate file %q: %w", certFile, err)
	}
	var keyPEM []byte
	if keyFile != "" {
		keyPEM, err = os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("keylocal: cannot read private key file %q: %w", keyFile, err)
		}
	}
	return Parse(certPEM, keyPEM)
}

// Parse builds KeyMaterial from PEM bytes. keyPEM may be nil.
func Parse(certPEM, keyPEM []byte) (*KeyMaterial, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("keylocal: certificate input is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keylocal: cannot parse certificate: %w", err)
	}
	km := &KeyMaterial{Cert: cert, PublicKey: cert.PublicKey}
	if keyPEM == nil {
		return km, nil
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	km.PrivateKey = key
	return km, nil
}

// parsePrivateKeyPEM tries PKCS8 first, then PKCS1, then SEC1 EC.
func parsePrivateKeyPEM(keyPEM []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("keylocal: private key input is not PEM")
	}
	genericKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		genericKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			genericKey, err = x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("keylocal: cannot parse private key (tried PKCS8, PKCS1, EC)")
			}
		}
	}
	switch key := genericKey.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("keylocal: unsupported private key type %T", key)
	}
}

// HasPrivateKey reports whether local private-key operations are possible.
func (km *KeyMaterial) HasPrivateKey() bool {
	return km.PrivateKey != nil
}

func (km *KeyMaterial) rsaPublic() (*rsa.PublicKey, error) {
	pub, ok := km.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, &ComputeError{Reason: fmt.Sprintf("operation requires an RSA key, have %T", km.PublicKey)}
	}
	return pub, nil
}

func (km *KeyMaterial) rsaPrivate() (*rsa.PrivateKey, error) {
	if km.PrivateKey == nil {
		return nil, &ComputeError{Reason: "operation requires a private key, none loaded"}
	}
	priv, ok := km.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, &ComputeError{Reason: fmt.Sprintf("operation requires an RSA key, have %T", km.PrivateKey)}
	}
	return priv, nil
}
