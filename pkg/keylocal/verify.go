package keylocal

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/sammck-go/keybench/pkg/keyless"
)

// Verify checks a backend result against this key material. Deterministic
// operations are recomputed locally and compared byte for byte. Randomized
// schemes cannot be compared that way: signatures with fresh randomness
// (PSS, ECDSA, Ed25519) are verified with the public key, and randomized
// encryptions (PKCS1, OAEP) are decrypted with the private key and compared
// to the original payload.
func (km *KeyMaterial) Verify(action keyless.Action, payload, result []byte) error {
	switch action.Op {
	case keyless.OpRSASign:
		return km.verifyRSASign(action, payload, result)
	case keyless.OpECDSASign:
		return km.verifyECDSASign(payload, result)
	case keyless.OpEd25519Sign:
		return km.verifyEd25519Sign(payload, result)
	case keyless.OpRSAPublicEncrypt:
		return km.verifyRSAEncrypt(action, payload, result)
	}
	// Everything else is deterministic.
	want, err := km.Compute(action, payload)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, result) {
		return &VerifyError{Reason: fmt.Sprintf("%s result not match local computation", action)}
	}
	return nil
}

func (km *KeyMaterial) verifyRSASign(action keyless.Action, payload, sig []byte) error {
	pub, err := km.rsaPublic()
	if err != nil {
		return err
	}
	switch action.Padding {
	case keyless.PaddingPKCS1:
		if err := rsa.VerifyPKCS1v15(pub, action.Digest.Hash(), payload, sig); err != nil {
			return &VerifyError{Reason: fmt.Sprintf("pkcs1 signature: %v", err)}
		}
		return nil
	case keyless.PaddingPSS:
		opts := &rsa.PSSOptions{SaltLength: action.Digest.Size(), Hash: action.Digest.Hash()}
		if err := rsa.VerifyPSS(pub, action.Digest.Hash(), payload, sig, opts); err != nil {
			return &VerifyError{Reason: fmt.Sprintf("pss signature: %v", err)}
		}
		return nil
	}
	return &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for signature verification", action.Padding)}
}

func (km *KeyMaterial) verifyECDSASign(payload, sig []byte) error {
	pub, ok := km.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return &ComputeError{Reason: fmt.Sprintf("verification requires an EC key, have %T", km.PublicKey)}
	}
	if !ecdsa.VerifyASN1(pub, payload, sig) {
		return &VerifyError{Reason: "ecdsa signature not valid"}
	}
	return nil
}

func (km *KeyMaterial) verifyEd25519Sign(payload, sig []byte) error {
	pub, ok := km.PublicKey.(ed25519.PublicKey)
	if !ok {
		return &ComputeError{Reason: fmt.Sprintf("verification requires an Ed25519 key, have %T", km.PublicKey)}
	}
	if !ed25519.Verify(pub, payload, sig) {
		return &VerifyError{Reason: "ed25519 signature not valid"}
	}
	return nil
}

func (km *KeyMaterial) verifyRSAEncrypt(action keyless.Action, payload, result []byte) error {
	if action.Padding == keyless.PaddingNone {
		want, err := km.Compute(action, payload)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, result) {
			return &VerifyError{Reason: "raw encryption result not match local computation"}
		}
		return nil
	}
	priv, err := km.rsaPrivate()
	if err != nil {
		return err
	}
	var plain []byte
	switch action.Padding {
	case keyless.PaddingPKCS1:
		plain, err = rsa.DecryptPKCS1v15(nil, priv, result)
	case keyless.PaddingOAEP:
		plain, err = rsa.DecryptOAEP(sha1.New(), nil, priv, result, nil)
	default:
		return &ComputeError{Reason: fmt.Sprintf("padding %s unsupported for encryption verification", action.Padding)}
	}
	if err != nil {
		return &VerifyError{Reason: fmt.Sprintf("encryption result not decryptable: %v", err)}
	}
	if !bytes.Equal(plain, payload) {
		return &VerifyError{Reason: "decrypted result not match payload"}
	}
	return nil
}
