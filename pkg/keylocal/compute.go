package keylocal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"math/big"

	"github.com/sammck-go/keybench/pkg/keyless"
)

// Compute runs the action locally against this key material, producing the
// bytes a correct backend would return. RSA decrypt-direction operations
// require the payload to be exactly one modulus in size; encrypt-direction
// operations require it to fit. Schemes the local engine does not implement
// (X9.31 padding, PSS with md5sha1) return a *ComputeError but remain
// encodable on the wire.
func (km *KeyMaterial) Compute(action keyless.Action, payload []byte) ([]byte, error) {
	if err := action.Check(payload); err != nil {
		return nil, err
	}
	switch action.Op {
	case keyless.OpPing:
		return append([]byte(nil), payload...), nil
	case keyless.OpRSAPrivateDecrypt:
		return km.rsaPrivateDecrypt(action.Padding, payload)
	case keyless.OpRSAPrivateEncrypt:
		return km.rsaPrivateEncrypt(action.Padding, payload)
	case keyless.OpRSAPublicDecrypt:
		return km.rsaPublicDecrypt(action.Padding, payload)
	case keyless.OpRSAPublicEncrypt:
		return km.rsaPublicEncrypt(action.Padding, payload)
	case keyless.OpRSASign:
		return km.rsaSign(action.Digest, action.Padding, payload)
	case keyless.OpECDSASign:
		return km.ecdsaSign(payload)
	case keyless.OpEd25519Sign:
		return km.ed25519Sign(payload)
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("no local implementation for op %s", action.Op)}
}

func (km *KeyMaterial) rsaPrivateDecrypt(padding keyless.RSAPadding, payload []byte) ([]byte, error) {
	priv, err := km.rsaPrivate()
	if err != nil {
		return nil, err
	}
	if len(payload) != priv.Size() {
		return nil, &ComputeError{Reason: fmt.Sprintf(
			"decrypt payload size %d not match rsa modulus size %d", len(payload), priv.Size())}
	}
	switch padding {
	case keyless.PaddingPKCS1:
		out, err := rsa.DecryptPKCS1v15(nil, priv, payload)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("pkcs1 decrypt: %v", err)}
		}
		return out, nil
	case keyless.PaddingOAEP:
		// OAEP digest defaults to SHA-1.
		out, err := rsa.DecryptOAEP(sha1.New(), nil, priv, payload, nil)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("oaep decrypt: %v", err)}
		}
		return out, nil
	case keyless.PaddingNone:
		return rsaRawPrivate(priv, payload)
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for private decrypt", padding)}
}

func (km *KeyMaterial) rsaPublicEncrypt(padding keyless.RSAPadding, payload []byte) ([]byte, error) {
	pub, err := km.rsaPublic()
	if err != nil {
		return nil, err
	}
	switch padding {
	case keyless.PaddingPKCS1:
		out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, payload)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("pkcs1 encrypt: %v", err)}
		}
		return out, nil
	case keyless.PaddingOAEP:
		out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, payload, nil)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("oaep encrypt: %v", err)}
		}
		return out, nil
	case keyless.PaddingNone:
		if len(payload) != pub.Size() {
			return nil, &ComputeError{Reason: fmt.Sprintf(
				"raw encrypt payload size %d not match rsa modulus size %d", len(payload), pub.Size())}
		}
		return rsaRawPublic(pub, payload)
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for public encrypt", padding)}
}

// rsaPrivateEncrypt is the private-key-encrypt primitive: PKCS1 type-1
// padding (or none) followed by exponentiation with the private exponent.
// It is the raw building block under PKCS1 signatures.
func (km *KeyMaterial) rsaPrivateEncrypt(padding keyless.RSAPadding, payload []byte) ([]byte, error) {
	priv, err := km.rsaPrivate()
	if err != nil {
		return nil, err
	}
	switch padding {
	case keyless.PaddingPKCS1:
		if len(payload) > priv.Size()-11 {
			return nil, &ComputeError{Reason: fmt.Sprintf(
				"payload size %d too large for rsa modulus size %d with pkcs1 padding", len(payload), priv.Size())}
		}
		padded := pkcs1Type1Pad(payload, priv.Size())
		return rsaRawPrivate(priv, padded)
	case keyless.PaddingNone:
		if len(payload) != priv.Size() {
			return nil, &ComputeError{Reason: fmt.Sprintf(
				"raw payload size %d not match rsa modulus size %d", len(payload), priv.Size())}
		}
		return rsaRawPrivate(priv, payload)
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for private encrypt", padding)}
}

func (km *KeyMaterial) rsaPublicDecrypt(padding keyless.RSAPadding, payload []byte) ([]byte, error) {
	pub, err := km.rsaPublic()
	if err != nil {
		return nil, err
	}
	if len(payload) != pub.Size() {
		return nil, &ComputeError{Reason: fmt.Sprintf(
			"decrypt payload size %d not match rsa modulus size %d", len(payload), pub.Size())}
	}
	raw, err := rsaRawPublic(pub, payload)
	if err != nil {
		return nil, err
	}
	switch padding {
	case keyless.PaddingPKCS1:
		return pkcs1Type1Strip(raw)
	case keyless.PaddingNone:
		return raw, nil
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for public decrypt", padding)}
}

func (km *KeyMaterial) rsaSign(digest keyless.SignDigest, padding keyless.RSAPadding, payload []byte) ([]byte, error) {
	priv, err := km.rsaPrivate()
	if err != nil {
		return nil, err
	}
	switch padding {
	case keyless.PaddingPKCS1:
		// For md5sha1, digest.Hash() is 0 and SignPKCS1v15 signs the
		// payload with no DigestInfo prefix, which is the TLS 1.0/1.1
		// contract.
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, digest.Hash(), payload)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("pkcs1 sign: %v", err)}
		}
		return sig, nil
	case keyless.PaddingPSS:
		hash := digest.Hash()
		if hash == crypto.Hash(0) {
			return nil, &ComputeError{Reason: "pss signing requires a registered digest, md5sha1 has none"}
		}
		opts := &rsa.PSSOptions{SaltLength: digest.Size(), Hash: hash}
		sig, err := rsa.SignPSS(rand.Reader, priv, hash, payload, opts)
		if err != nil {
			return nil, &ComputeError{Reason: fmt.Sprintf("pss sign: %v", err)}
		}
		return sig, nil
	case keyless.PaddingX931:
		return nil, &ComputeError{Reason: "x931 signing has no local implementation"}
	}
	return nil, &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for rsa sign", padding)}
}

func (km *KeyMaterial) ecdsaSign(payload []byte) ([]byte, error) {
	if km.PrivateKey == nil {
		return nil, &ComputeError{Reason: "operation requires a private key, none loaded"}
	}
	priv, ok := km.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &ComputeError{Reason: fmt.Sprintf("operation requires an EC key, have %T", km.PrivateKey)}
	}
	sig, err := ecdsa.SignASN1(rand.Reader, priv, payload)
	if err != nil {
		return nil, &ComputeError{Reason: fmt.Sprintf("ecdsa sign: %v", err)}
	}
	return sig, nil
}

func (km *KeyMaterial) ed25519Sign(payload []byte) ([]byte, error) {
	if km.PrivateKey == nil {
		return nil, &ComputeError{Reason: "operation requires a private key, none loaded"}
	}
	priv, ok := km.PrivateKey.(ed25519.PrivateKey)
	if !ok {
		return nil, &ComputeError{Reason: fmt.Sprintf("operation requires an Ed25519 key, have %T", km.PrivateKey)}
	}
	return ed25519.Sign(priv, payload), nil
}

// rsaRawPrivate is m^d mod n, left-padded to one modulus.
func rsaRawPrivate(priv *rsa.PrivateKey, in []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(in)
	if m.Cmp(priv.N) >= 0 {
		return nil, &ComputeError{Reason: "raw input not less than rsa modulus"}
	}
	out := new(big.Int).Exp(m, priv.D, priv.N)
	return leftPad(out.Bytes(), priv.Size()), nil
}

// rsaRawPublic is c^e mod n, left-padded to one modulus.
func rsaRawPublic(pub *rsa.PublicKey, in []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(in)
	if c.Cmp(pub.N) >= 0 {
		return nil, &ComputeError{Reason: "raw input not less than rsa modulus"}
	}
	out := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(out.Bytes(), pub.Size()), nil
}

// pkcs1Type1Pad builds 0x00 0x01 FF.. 0x00 <data>, the deterministic
// padding used under private-key operations.
func pkcs1Type1Pad(data []byte, size int) []byte {
	out := make([]byte, size)
	out[1] = 0x01
	for i := 2; i < size-len(data)-1; i++ {
		out[i] = 0xFF
	}
	copy(out[size-len(data):], data)
	return out
}

func pkcs1Type1Strip(raw []byte) ([]byte, error) {
	if len(raw) < 11 || raw[0] != 0x00 || raw[1] != 0x01 {
		return nil, &ComputeError{Reason: "bad pkcs1 type 1 padding"}
	}
	i := 2
	for i < len(raw) && raw[i] == 0xFF {
		i++
	}
	if i < 10 || i >= len(raw) || raw[i] != 0x00 {
		return nil, &ComputeError{Reason: "bad pkcs1 type 1 padding"}
	}
	return raw[i+1:], nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
