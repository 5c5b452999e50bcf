package keylocal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

// selfSignedPEM builds a throwaway self-signed cert for the given key and
// returns (certPEM, keyPEM) with the key in PKCS8 form.
func selfSignedPEM(t *testing.T, priv crypto.Signer) ([]byte, []byte) {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "keybench test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() returned error: %s", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("x509.MarshalPKCS8PrivateKey() returned error: %s", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func newRSAKeyMaterial(t *testing.T) *KeyMaterial {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() returned error: %s", err)
	}
	km, err := Parse(selfSignedPEM(t, priv))
	if err != nil {
		t.Fatalf("Parse() returned error: %s", err)
	}
	return km
}

func newECKeyMaterial(t *testing.T) *KeyMaterial {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() returned error: %s", err)
	}
	km, err := Parse(selfSignedPEM(t, priv))
	if err != nil {
		t.Fatalf("Parse() returned error: %s", err)
	}
	return km
}

func newEd25519KeyMaterial(t *testing.T) *KeyMaterial {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() returned error: %s", err)
	}
	km, err := Parse(selfSignedPEM(t, priv))
	if err != nil {
		t.Fatalf("Parse() returned error: %s", err)
	}
	return km
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
