package hsdesc

import (
	"crypto/ed25519"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/oniondir/hsdesc3/cert"
	"github.com/oniondir/hsdesc3/crypto"
	"github.com/oniondir/hsdesc3/linkspec"
)

func buildTestDescriptor(t *testing.T) (*Descriptor, ed25519.PrivateKey) {
	t.Helper()

	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate blinded key: %v", err)
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	var signedKey [32]byte
	copy(signedKey[:], signingPub)

	signingCert, err := cert.Encode(cert.TypeSigningHSDesc, time.Now().Add(24*time.Hour), signedKey, blindedPriv)
	if err != nil {
		t.Fatalf("Encode signing cert: %v", err)
	}

	authPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate auth key: %v", err)
	}
	var authKeyArr [32]byte
	copy(authKeyArr[:], authPub)
	authCert, err := SignAuthKeyCert(authKeyArr, signingPriv, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SignAuthKeyCert: %v", err)
	}

	var encKeyPriv [32]byte
	encKeyPriv[0] = 9
	encKeyPub, err := crypto.ScalarBaseMult(encKeyPriv)
	if err != nil {
		t.Fatalf("ScalarBaseMult: %v", err)
	}
	encCert, err := SignEncKeyCert(encKeyPriv, signedKey, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SignEncKeyCert: %v", err)
	}

	var legacyID [20]byte
	copy(legacyID[:], []byte("01234567890123456789"))

	ip := IntroPoint{
		LinkSpecifiers: []linkspec.Spec{
			linkspec.IPv4Spec(net.ParseIP("127.0.0.1"), 9001),
			linkspec.LegacyIDSpec(legacyID),
		},
		AuthKeyCert: authCert,
		EncKeyKind:  EncKeyNTor,
		EncKeyNTor:  encKeyPub,
		EncKeyCert:  encCert,
	}

	var blindedArr [32]byte
	copy(blindedArr[:], blindedPub)

	d := &Descriptor{
		LifetimeSec:     180 * 60,
		SigningKeyCert:  signingCert,
		SigningPubkey:   signedKey,
		BlindedPubkey:   blindedArr,
		RevisionCounter: 42,
		Inner: InnerLayer{
			Create2Formats: []int{NTorHandshakeType},
			IntroPoints:    []IntroPoint{ip},
		},
		Subcredential: Subcredential(signedKey, blindedArr),
	}
	return d, signingPriv
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d, signingPriv := buildTestDescriptor(t)

	text, err := d.Encode(signingPriv, Params{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(text, d.Subcredential, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.RevisionCounter != d.RevisionCounter {
		t.Fatalf("RevisionCounter = %d, want %d", got.RevisionCounter, d.RevisionCounter)
	}
	if got.LifetimeSec != d.LifetimeSec {
		t.Fatalf("LifetimeSec = %d, want %d", got.LifetimeSec, d.LifetimeSec)
	}
	if len(got.Inner.IntroPoints) != 1 {
		t.Fatalf("got %d introduction points, want 1", len(got.Inner.IntroPoints))
	}
	if len(got.Outer.EncryptedWire) == 0 {
		t.Fatal("decoded outer layer should carry a non-empty encrypted wire form")
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	d, signingPriv := buildTestDescriptor(t)
	text, err := d.Encode(signingPriv, Params{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := []byte(text)
	for i := len(tampered) - 5; i < len(tampered)-1; i++ {
		if tampered[i] == 'A' {
			tampered[i] = 'B'
		} else {
			tampered[i] = 'A'
		}
	}

	if _, err := Decode(string(tampered), d.Subcredential, time.Now()); err == nil {
		t.Fatal("Decode should reject a tampered signature")
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	d, signingPriv := buildTestDescriptor(t)
	text, err := d.Encode(signingPriv, Params{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Flip a byte inside the superencrypted MESSAGE object body.
	const begin = "-----BEGIN MESSAGE-----\n"
	idx := -1
	if i := strings.Index(text, begin); i >= 0 {
		idx = i + len(begin) + 40 // well inside the base64 body, past the BEGIN line
	}
	if idx < 0 || idx >= len(text) {
		t.Skip("could not locate a safe byte to tamper with")
	}
	tampered := []byte(text)
	tampered[idx] ^= 0x01

	if _, err := Decode(string(tampered), d.Subcredential, time.Now()); err == nil {
		t.Fatal("Decode should reject a tampered superencrypted body")
	}
}

func TestEncodeRejectsTooManyIntroPoints(t *testing.T) {
	d, _ := buildTestDescriptor(t)
	for i := 0; i < MaxIntroPoints; i++ {
		d.Inner.IntroPoints = append(d.Inner.IntroPoints, d.Inner.IntroPoints[0])
	}
	if len(d.Inner.IntroPoints) <= MaxIntroPoints {
		t.Fatalf("test setup error: only %d introduction points", len(d.Inner.IntroPoints))
	}
	if _, err := d.Inner.Encode(); err == nil {
		t.Fatal("Encode should reject more than MaxIntroPoints introduction points")
	}
}

func TestEncodeRejectsLifetimeOutOfRange(t *testing.T) {
	d, signingPriv := buildTestDescriptor(t)
	d.LifetimeSec = 181 * 60
	if _, err := d.Encode(signingPriv, Params{}); err == nil {
		t.Fatal("Encode should reject descriptor-lifetime of 181 minutes")
	}
}

func TestOnionAddressRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)

	addr := EncodeOnionAddress(pubArr)
	got, err := DecodeOnionAddress(addr)
	if err != nil {
		t.Fatalf("DecodeOnionAddress: %v", err)
	}
	if got != pubArr {
		t.Fatalf("round trip key mismatch")
	}
}

func TestParamsMaxLen(t *testing.T) {
	if (Params{}).MaxLen() != HSDescMaxLen {
		t.Fatalf("zero-value Params should default to HSDescMaxLen")
	}
	if (Params{HSV3MaxDescriptorSize: 100}).MaxLen() != 100 {
		t.Fatal("Params should honor an explicit HSV3MaxDescriptorSize")
	}
}
