package hsdesc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oniondir/hsdesc3/cert"
	"github.com/oniondir/hsdesc3/desctok"
)

// plaintextTable is the outer envelope's rule table: fixed keyword order,
// enforced by Position Start/End (spec §4.7).
var plaintextTable = desctok.Table{
	{Keyword: "hs-descriptor", Position: desctok.Start, Card: desctok.Once, Args: desctok.EQ(1), Object: desctok.NoObject},
	{Keyword: "descriptor-lifetime", Card: desctok.Once, Args: desctok.EQ(1), Object: desctok.NoObject},
	{Keyword: "descriptor-signing-key-cert", Card: desctok.Once, Args: desctok.NoArgs(), Object: desctok.ObjectRequired},
	{Keyword: "revision-counter", Card: desctok.Once, Args: desctok.EQ(1), Object: desctok.NoObject},
	{Keyword: "superencrypted", Card: desctok.Once, Args: desctok.NoArgs(), Object: desctok.ObjectRequired},
	{Keyword: "signature", Position: desctok.End, Card: desctok.Once, Args: desctok.EQ(1), Object: desctok.NoObject},
}

// signatureKeyword is the literal token whose trailing space marks the end
// of the signed byte range (spec §4.7 "Signature rule").
const signatureKeyword = "\nsignature "

// Descriptor is the full three-layer v3 hidden-service descriptor (spec
// §3 "Full descriptor").
type Descriptor struct {
	LifetimeSec     int // stored as seconds; wire form is minutes, 1..=MaxLifetimeMinutes
	SigningKeyCert  *cert.Cert
	SigningPubkey   [32]byte // copy of cert.SignedKey
	BlindedPubkey   [32]byte // copy of cert.SigningKey
	RevisionCounter uint64

	Inner InnerLayer
	Outer OuterLayer

	// SuperencryptedBlob is the still-encrypted outer-layer wire bytes,
	// available even when Subcredential is unknown (spec §3 "Plaintext
	// data"): a directory cache admits descriptors on this field alone.
	SuperencryptedBlob []byte

	// Subcredential is an external input required to encrypt or decrypt;
	// it may be zero for parse-only access to the plaintext envelope.
	Subcredential [32]byte
}

// Encode builds, encrypts, and signs the full descriptor text, returning
// an error if the result would exceed params.MaxLen(). signingPriv must
// correspond to d.SigningKeyCert's signed key (the descriptor signing
// key, itself certified by the blinded identity).
func (d *Descriptor) Encode(signingPriv ed25519.PrivateKey, params Params) (string, error) {
	if d.LifetimeSec <= 0 || d.LifetimeSec > MaxLifetimeMinutes*60 {
		return "", newErr(KindBadFormat, fmt.Sprintf("descriptor-lifetime %ds exceeds %d minute max", d.LifetimeSec, MaxLifetimeMinutes), nil)
	}
	if d.SigningKeyCert == nil {
		return "", newErr(KindBadCert, "missing descriptor-signing-key-cert", nil)
	}

	innerText, err := d.Inner.Encode()
	if err != nil {
		return "", err
	}
	var innerSalt [saltLen]byte
	if _, err := rand.Read(innerSalt[:]); err != nil {
		return "", newErr(KindBadCrypto, "generate inner-layer salt", err)
	}
	innerWire, err := EncryptLayer(d.BlindedPubkey, d.Subcredential, d.RevisionCounter, innerSalt[:], []byte(innerText), false)
	if err != nil {
		return "", err
	}

	d.Outer.EncryptedWire = innerWire
	outerText, err := d.Outer.Encode()
	if err != nil {
		return "", err
	}
	var outerSalt [saltLen]byte
	if _, err := rand.Read(outerSalt[:]); err != nil {
		return "", newErr(KindBadCrypto, "generate outer-layer salt", err)
	}
	outerWire, err := EncryptLayer(d.BlindedPubkey, d.Subcredential, d.RevisionCounter, outerSalt[:], []byte(outerText), true)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "hs-descriptor %d\n", Version)
	fmt.Fprintf(&b, "descriptor-lifetime %d\n", d.LifetimeSec/60)
	b.WriteString("descriptor-signing-key-cert\n")
	b.WriteString(pemObject("ED25519 CERT", d.SigningKeyCert.Bytes()))
	fmt.Fprintf(&b, "revision-counter %d\n", d.RevisionCounter)
	b.WriteString("superencrypted\n")
	b.WriteString(pemObject("MESSAGE", outerWire))
	b.WriteString("signature ")

	signed := sigPrefix + b.String()
	sig := ed25519.Sign(signingPriv, []byte(signed))
	b.WriteString(base64.RawStdEncoding.EncodeToString(sig))
	b.WriteString("\n")

	text := b.String()
	if len(text) > params.MaxLen() {
		return "", newErr(KindTooLarge, fmt.Sprintf("encoded descriptor is %d bytes, max %d", len(text), params.MaxLen()), nil)
	}
	return text, nil
}

// Decode parses, cryptographically verifies, and decrypts a descriptor's
// text. The descriptor-signing-key-cert is verified against its own
// embedded signing-key extension, which becomes BlindedPubkey; no
// caller-supplied key is consulted. subcredential is required to decrypt the
// superencrypted and encrypted layers; pass a zero value to parse the
// plaintext layer only and skip decryption (the cert signature is still
// verified).
func Decode(text string, subcredential [32]byte, now time.Time) (*Descriptor, error) {
	toks, err := desctok.Tokenize(text)
	if err != nil {
		return nil, newErr(KindBadFormat, "tokenize descriptor", err)
	}
	byKW, err := desctok.Validate(plaintextTable, toks)
	if err != nil {
		return nil, newErr(KindBadFormat, "validate descriptor", err)
	}

	versionTok := desctok.First(byKW, "hs-descriptor")
	version, err := strconv.Atoi(versionTok.Args[0])
	if err != nil || version != Version {
		return nil, newErr(KindBadVersion, "unsupported hs-descriptor version: "+versionTok.Args[0], err)
	}

	lifetimeTok := desctok.First(byKW, "descriptor-lifetime")
	lifetimeMin, err := strconv.Atoi(lifetimeTok.Args[0])
	if err != nil || lifetimeMin < 1 || lifetimeMin > MaxLifetimeMinutes {
		return nil, newErr(KindBadFormat, "descriptor-lifetime out of range [1,180]: "+lifetimeTok.Args[0], err)
	}

	certTok := desctok.First(byKW, "descriptor-signing-key-cert")
	signingCert, err := cert.Parse(certTok.Object.Data)
	if err != nil {
		return nil, newErr(KindBadCert, "parse descriptor-signing-key-cert", err)
	}
	if err := signingCert.Verify("descriptor signing key", cert.TypeSigningHSDesc, nil, now); err != nil {
		return nil, newErr(KindBadCert, "verify descriptor-signing-key-cert", err)
	}

	revTok := desctok.First(byKW, "revision-counter")
	revCounter, err := strconv.ParseUint(revTok.Args[0], 10, 64)
	if err != nil {
		return nil, newErr(KindBadFormat, "invalid revision-counter: "+revTok.Args[0], err)
	}

	sigTok := desctok.First(byKW, "signature")
	idx := strings.LastIndex(text, signatureKeyword)
	if idx < 0 {
		return nil, newErr(KindBadFormat, "could not locate signature token for signed-range computation", nil)
	}
	signedRange := text[:idx+len(signatureKeyword)]
	sigBytes, err := decodeUnpaddedBase64(sigTok.Args[0])
	if err != nil {
		return nil, newErr(KindBadSignature, "decode signature", err)
	}
	if !ed25519Verify(signingCert.SignedKey[:], []byte(sigPrefix+signedRange), sigBytes) {
		return nil, newErr(KindBadSignature, "descriptor signature verification failed", nil)
	}

	d := &Descriptor{
		LifetimeSec:     lifetimeMin * 60,
		SigningKeyCert:  signingCert,
		SigningPubkey:   signingCert.SignedKey,
		BlindedPubkey:   signingCert.SigningKey,
		RevisionCounter: revCounter,
		Subcredential:   subcredential,
	}

	superTok := desctok.First(byKW, "superencrypted")
	outerWire := superTok.Object.Data
	d.SuperencryptedBlob = outerWire

	var zero [32]byte
	if subcredential == zero {
		return d, nil
	}

	outerText, err := DecryptLayer(d.BlindedPubkey, subcredential, revCounter, outerWire, true)
	if err != nil {
		return nil, err
	}
	outer, err := ParseOuterLayer(string(outerText))
	if err != nil {
		return nil, err
	}
	d.Outer = *outer

	innerText, err := DecryptLayer(d.BlindedPubkey, subcredential, revCounter, outer.EncryptedWire, false)
	if err != nil {
		return nil, err
	}
	inner, err := ParseInnerLayer(string(innerText), d.SigningPubkey, now)
	if err != nil {
		return nil, err
	}
	d.Inner = *inner

	return d, nil
}

func ed25519Verify(pub, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
