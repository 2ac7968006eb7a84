// Package crypto collects the cryptographic primitives the hidden-service
// descriptor subsystem is built on: a SHAKE-256 key schedule, a SHA3-256
// MAC, AES-256-CTR, Ed25519 signatures, and the Curve25519/Ed25519 point
// validation used to reject malformed keys before they reach the wire.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	// KeyLen is the AES-256 key size in bytes.
	KeyLen = 32
	// IVLen is the AES-CTR IV size in bytes.
	IVLen = 16
	// MACKeyLen is the SHA3-256 MAC key size in bytes.
	MACKeyLen = 32
	// MACLen is the SHA3-256 MAC output size in bytes.
	MACLen = 32
	// KeyScheduleLen is KeyLen+IVLen+MACKeyLen, the total bytes drawn from the KDF.
	KeyScheduleLen = KeyLen + IVLen + MACKeyLen
)

// KeySchedule is the (secret_key, iv, mac_key) triple derived by the KDF
// for one envelope layer.
type KeySchedule struct {
	Key    [KeyLen]byte
	IV     [IVLen]byte
	MACKey [MACKeyLen]byte
}

// bigEndianUint64 appends the big-endian encoding of n to buf.
func bigEndianUint64(buf []byte, n uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	return append(buf, tmp[:]...)
}

// KDF derives a key schedule from secretInput, a salt, and a domain
// separation string, via SHAKE-256(secretInput | salt | constant).
func KDF(secretInput, salt []byte, constant string) KeySchedule {
	kdfInput := make([]byte, 0, len(secretInput)+len(salt)+len(constant))
	kdfInput = append(kdfInput, secretInput...)
	kdfInput = append(kdfInput, salt...)
	kdfInput = append(kdfInput, constant...)

	out := make([]byte, KeyScheduleLen)
	shake := sha3.NewShake256()
	shake.Write(kdfInput)
	_, _ = shake.Read(out)

	var ks KeySchedule
	copy(ks.Key[:], out[:KeyLen])
	copy(ks.IV[:], out[KeyLen:KeyLen+IVLen])
	copy(ks.MACKey[:], out[KeyLen+IVLen:])
	return ks
}

// MAC computes SHA3-256(INT_8(|macKey|) | macKey | INT_8(|salt|) | salt | data),
// the length-prefixed MAC used to authenticate an encrypted envelope.
func MAC(macKey, salt, data []byte) []byte {
	h := sha3.New256()
	buf := make([]byte, 0, 8)
	h.Write(bigEndianUint64(buf[:0], uint64(len(macKey))))
	h.Write(macKey)
	h.Write(bigEndianUint64(buf[:0], uint64(len(salt))))
	h.Write(salt)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMAC reports whether mac matches MAC(macKey, salt, data), comparing
// in constant time.
func VerifyMAC(macKey, salt, data, mac []byte) bool {
	expected := MAC(macKey, salt, data)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}

// CTR XORs data against an AES-256-CTR keystream seeded by key and iv. The
// same function encrypts and decrypts, since CTR mode is symmetric.
func CTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), block.BlockSize())
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// Sign produces an Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature over message
// under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// ValidateEdwardsPoint reports an error if b is not a canonically-encoded
// point on the Ed25519 curve. Used to reject blinded and introduction-point
// identity keys that decode but don't name a valid group element.
func ValidateEdwardsPoint(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("edwards25519 point must be 32 bytes, got %d", len(b))
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return fmt.Errorf("invalid edwards25519 point: %w", err)
	}
	if subtle.ConstantTimeCompare(p.Bytes(), b) != 1 {
		return fmt.Errorf("edwards25519 point is not canonically encoded")
	}
	return nil
}

// ValidateCurvePoint reports an error if b is the all-zero Curve25519
// identity point, which curve25519.X25519 silently maps every input to.
// Used to reject introduction-point encryption keys that are all-zero.
func ValidateCurvePoint(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("curve25519 point must be 32 bytes, got %d", len(b))
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(b, zero[:]) == 1 {
		return fmt.Errorf("curve25519 point is all-zero")
	}
	return nil
}

// ScalarBaseMult returns scalar*B on Curve25519, used by tests and callers
// that need to derive a public key from a private scalar without pulling in
// a full X25519 key-agreement call.
func ScalarBaseMult(scalar [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("scalar base mult: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}

// Ed25519FromCurve25519 derives an Ed25519 signing keypair from a
// Curve25519 private scalar via the Montgomery<->Edwards birational map:
// scalar*edwardsBasepoint and scalar*montgomeryBasepoint carry the same
// u-coordinate, so the returned public key corresponds to the Curve25519
// public key ScalarBaseMult would derive from the same scalar. Mirrors
// the source's ed25519_keypair_from_curve25519_keypair, used to certify
// an introduction point's ntor enc-key with a key derived from itself
// rather than from some other key in the chain.
//
// Unlike a normal Ed25519 keypair there is no seed to hash for a nonce
// prefix (the scalar is used directly, not derived from one), so the
// returned sign function derives its own deterministic nonce prefix from
// the Curve25519 private key and implements RFC 8032 EdDSA signing
// directly rather than going through crypto/ed25519, which only accepts
// a 32-byte seed.
func Ed25519FromCurve25519(curvePriv [32]byte) (pub [32]byte, sign func(message []byte) []byte, err error) {
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(curvePriv[:])
	if err != nil {
		return pub, nil, fmt.Errorf("clamp curve25519 scalar: %w", err)
	}
	pubPoint := new(edwards25519.Point).ScalarBaseMult(scalar)
	copy(pub[:], pubPoint.Bytes())

	noncePrefix := sha512.Sum512(append([]byte("hsdesc3 enc-key nonce prefix: "), curvePriv[:]...))

	sign = func(message []byte) []byte {
		h := sha512.New()
		h.Write(noncePrefix[:32])
		h.Write(message)
		r, rerr := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
		if rerr != nil {
			panic("crypto: SHA-512 digest is not 64 bytes")
		}
		R := new(edwards25519.Point).ScalarBaseMult(r)
		RBytes := R.Bytes()

		h2 := sha512.New()
		h2.Write(RBytes)
		h2.Write(pub[:])
		h2.Write(message)
		k, kerr := edwards25519.NewScalar().SetUniformBytes(h2.Sum(nil))
		if kerr != nil {
			panic("crypto: SHA-512 digest is not 64 bytes")
		}

		s := edwards25519.NewScalar().MultiplyAdd(k, scalar, r)

		sig := make([]byte, 64)
		copy(sig[:32], RBytes)
		copy(sig[32:], s.Bytes())
		return sig
	}
	return pub, sign, nil
}
