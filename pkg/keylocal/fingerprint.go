package keylocal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PublicKeyDigest computes the fingerprint a backend uses to select its
// private key: SHA-256 over the hex rendering of the public key's defining
// value. For RSA that is the uppercase hex of the modulus; for EC it is the
// lowercase hex of the compressed point. The case difference is deliberate
// and must be preserved for interoperability. Other key types have no
// defined fingerprint and error.
func PublicKeyDigest(pub crypto.PublicKey) ([]byte, error) {
	var hexStr string
	switch key := pub.(type) {
	case *rsa.PublicKey:
		hexStr = strings.ToUpper(hex.EncodeToString(key.N.Bytes()))
	case *ecdsa.PublicKey:
		hexStr = hex.EncodeToString(elliptic.MarshalCompressed(key.Curve, key.X, key.Y))
	default:
		return nil, &ComputeError{Reason: fmt.Sprintf("no public key digest defined for %T", pub)}
	}
	sum := sha256.Sum256([]byte(hexStr))
	return sum[:], nil
}
