// Package cert implements the Ed25519 Tor certificate format used to bind
// a hidden-service's signing keys and introduction-point keys, plus the
// legacy RSA↔Ed25519 crosscert that binds a legacy RSA key to an Ed25519
// identity. Grounded on the CERTS-cell certificate parser in the teacher
// repo's link package, generalized from the link-layer cert types to the
// hidden-service cert types named in the descriptor spec.
package cert

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Type is the cert_type field of an Ed25519 Tor certificate.
type Type uint8

// Certificate types relevant to the v3 descriptor. Numbering matches
// cert-spec.txt; only the types the descriptor subsystem issues or
// consumes are named here.
const (
	TypeSigningHSDesc Type = 8  // SIGNING_HS_DESC: blinded key signs descriptor-signing key
	TypeAuthHSIPKey   Type = 9  // AUTH_HS_IP_KEY: descriptor-signing key signs intro auth key
	TypeCrossHSIPKeys Type = 11 // CROSS_HS_IP_KEYS: key derived from the intro enc key signs the descriptor-signing key

	extSigningKeyType    = 0x04
	extAffectsValidation = 0x01
)

// signatureLen is the Ed25519 signature size.
const signatureLen = 64

// headerLen is version(1) + cert_type(1) + expiration(4) + signed_key_type(1) + signed_key(32).
const headerLen = 1 + 1 + 4 + 1 + 32

// Cert is a parsed Ed25519 Tor certificate (spec.md §3 "Certificate").
type Cert struct {
	Version    uint8
	CertType   Type
	Expiration time.Time // truncated to the hour, per the wire format
	SignedKey  [32]byte  // the key this certificate certifies
	SigningKey [32]byte  // from the embedded signing-key extension (type 0x04)
	Signature  [64]byte
	raw        []byte // full encoded cert, signature included, for re-verification
}

// Error identifies why a certificate failed to validate, tagged with which
// object was being validated (spec.md §4.2: "a diagnostic tag identifying
// the object").
type Error struct {
	Object string // e.g. "introduction point auth-key"
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid cert (%s): %s: %v", e.Object, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid cert (%s): %s", e.Object, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidCert(object, reason string, err error) error {
	return &Error{Object: object, Reason: reason, Err: err}
}

// Parse decodes the binary form of an Ed25519 Tor certificate. It does not
// verify the signature or check expiration; call Verify for that.
func Parse(data []byte) (*Cert, error) {
	if len(data) < headerLen+1+signatureLen {
		return nil, fmt.Errorf("cert too short: %d bytes", len(data))
	}

	c := &Cert{
		raw:      append([]byte(nil), data...),
		Version:  data[0],
		CertType: Type(data[1]),
	}
	expHours := binary.BigEndian.Uint32(data[2:6])
	c.Expiration = time.Unix(int64(expHours)*3600, 0).UTC()
	copy(c.SignedKey[:], data[7:39])

	nExt := int(data[39])
	pos := 40
	for i := 0; i < nExt; i++ {
		if pos+4 > len(data)-signatureLen {
			return nil, fmt.Errorf("extension %d overflows certificate", i)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-signatureLen {
			return nil, fmt.Errorf("extension %d data overflows certificate", i)
		}
		extData := data[pos : pos+extLen]
		switch {
		case extType == extSigningKeyType && len(extData) == 32:
			copy(c.SigningKey[:], extData)
		case extFlags&extAffectsValidation != 0:
			return nil, fmt.Errorf("unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(c.Signature[:], data[len(data)-signatureLen:])
	return c, nil
}

// Verify checks that c was issued for wantType, that its embedded
// signing-key extension is present (unless signingKey overrides it), that
// the Ed25519 signature verifies, and that now falls within the
// certificate's validity window. object names the thing being validated
// for diagnostics (spec.md §4.2).
func (c *Cert) Verify(object string, wantType Type, signingKey []byte, now time.Time) error {
	if c.CertType != wantType {
		return invalidCert(object, fmt.Sprintf("cert type %d, want %d", c.CertType, wantType), nil)
	}

	var pub ed25519.PublicKey
	switch {
	case signingKey != nil:
		pub = ed25519.PublicKey(signingKey)
	default:
		var zero [32]byte
		if c.SigningKey == zero {
			return invalidCert(object, "missing signing-key extension", nil)
		}
		pub = ed25519.PublicKey(c.SigningKey[:])
	}

	signed := c.raw[:len(c.raw)-signatureLen]
	if !ed25519.Verify(pub, signed, c.Signature[:]) {
		return invalidCert(object, "ed25519 signature verification failed", nil)
	}

	if now.After(c.Expiration) {
		return invalidCert(object, fmt.Sprintf("expired at %s", c.Expiration), nil)
	}

	return nil
}

// Encode builds and signs a fresh certificate of certType over signedKey,
// valid until expiration, carrying the mandatory signing-key extension
// derived from priv.
func Encode(certType Type, expiration time.Time, signedKey [32]byte, priv ed25519.PrivateKey) (*Cert, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be an ed25519 private key")
	}
	var signingPub [32]byte
	copy(signingPub[:], priv.Public().(ed25519.PublicKey))

	return EncodeRaw(certType, expiration, signedKey, signingPub, func(body []byte) []byte {
		return ed25519.Sign(priv, body)
	})
}

// EncodeRaw builds and signs a certificate like Encode, but takes the
// signing key as a detached (public key, sign function) pair instead of a
// crypto/ed25519 private key. Used when the signer isn't a normal Ed25519
// keypair — e.g. one derived via crypto.Ed25519FromCurve25519, which
// crypto/ed25519 has no representation for.
func EncodeRaw(certType Type, expiration time.Time, signedKey, signingPub [32]byte, sign func(body []byte) []byte) (*Cert, error) {
	body := make([]byte, 0, headerLen+1+4+signatureLen)
	body = append(body, 1)              // version
	body = append(body, byte(certType)) // cert_type
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], uint32(expiration.Unix()/3600))
	body = append(body, expBuf[:]...)
	body = append(body, 0x01) // signed-key-type: Ed25519 (the only type this module emits)
	body = append(body, signedKey[:]...)

	body = append(body, 1) // one extension: the signing key
	body = append(body, 0, 32, extSigningKeyType, 0)
	body = append(body, signingPub[:]...)

	sig := sign(body)
	body = append(body, sig...)

	return Parse(body)
}

// Bytes returns the full encoded certificate, including its signature.
func (c *Cert) Bytes() []byte { return append([]byte(nil), c.raw...) }

// CrossCert binds a legacy RSA public key to an Ed25519 identity for a
// validity window (spec.md §3 "RSA↔Ed25519 crosscert").
type CrossCert struct {
	Expiration time.Time
	Signature  []byte // RSA PKCS#1v1.5 signature over the signed prefix
}

// crossCertSignedPrefix is what the RSA key signs: a fixed label, the
// Ed25519 identity, and the expiration hour.
func crossCertSignedPrefix(ed25519Key [32]byte, expiration time.Time) []byte {
	buf := make([]byte, 0, 9+32+4)
	buf = append(buf, []byte("ed25519v1")...)
	buf = append(buf, ed25519Key[:]...)
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], uint32(expiration.Unix()/3600))
	return append(buf, expBuf[:]...)
}

// SignCrossCert produces a CrossCert binding rsaPriv to ed25519Key, valid
// until expiration.
func SignCrossCert(rsaPriv *rsa.PrivateKey, ed25519Key [32]byte, expiration time.Time) (*CrossCert, error) {
	prefix := crossCertSignedPrefix(ed25519Key, expiration)
	digest := sha256.Sum256(prefix)
	sig, err := rsa.SignPKCS1v15(nil, rsaPriv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign crosscert: %w", err)
	}
	return &CrossCert{Expiration: expiration, Signature: sig}, nil
}

// Bytes serializes cc for the wire: a 4-byte big-endian expiration-hour
// field followed by the raw RSA signature. VerifyCrossCert needs the
// expiration to recompute the signed prefix, and the object body is the
// only place a decoder can recover it from.
func (cc *CrossCert) Bytes() []byte {
	buf := make([]byte, 4, 4+len(cc.Signature))
	binary.BigEndian.PutUint32(buf, uint32(cc.Expiration.Unix()/3600))
	return append(buf, cc.Signature...)
}

// ParseCrossCert splits an RSA↔Ed25519 crosscert object body, as produced
// by Bytes, back into its expiration and signature.
func ParseCrossCert(data []byte) (*CrossCert, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("crosscert too short: %d bytes", len(data))
	}
	expHours := binary.BigEndian.Uint32(data[:4])
	return &CrossCert{
		Expiration: time.Unix(int64(expHours)*3600, 0).UTC(),
		Signature:  append([]byte(nil), data[4:]...),
	}, nil
}

// VerifyCrossCert validates that rsaPub is cross-signed by ed25519Key
// before expiration, per spec.md §4.2, allowing the source's documented
// ±1 day clock skew (now − 86400).
func VerifyCrossCert(object string, rsaPub *rsa.PublicKey, ed25519Key [32]byte, cc *CrossCert, now time.Time) error {
	skewed := now.Add(-24 * time.Hour)
	if skewed.After(cc.Expiration) {
		return invalidCert(object, fmt.Sprintf("crosscert expired at %s", cc.Expiration), nil)
	}

	prefix := crossCertSignedPrefix(ed25519Key, cc.Expiration)
	digest := sha256.Sum256(prefix)

	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], cc.Signature); err != nil {
		return invalidCert(object, "RSA crosscert signature verification failed", err)
	}
	return nil
}
