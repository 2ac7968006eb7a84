package cert

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"
)

func TestEncodeParseVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	var signedKey [32]byte
	copy(signedKey[:], []byte("0123456789abcdef0123456789abcde"))

	exp := time.Now().Add(48 * time.Hour)
	c, err := Encode(TypeSigningHSDesc, exp, signedKey, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := Parse(c.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.SignedKey != signedKey {
		t.Fatalf("SignedKey = %x, want %x", parsed.SignedKey, signedKey)
	}
	if [32]byte(parsed.SigningKey) != [32]byte(pub) {
		t.Fatalf("SigningKey mismatch")
	}

	if err := parsed.Verify("test signing cert", TypeSigningHSDesc, nil, time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongType(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var signedKey [32]byte
	c, err := Encode(TypeAuthHSIPKey, time.Now().Add(time.Hour), signedKey, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	err = c.Verify("intro auth key", TypeSigningHSDesc, nil, time.Now())
	if err == nil {
		t.Fatal("Verify should reject a certificate of the wrong type")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var signedKey [32]byte
	c, err := Encode(TypeSigningHSDesc, time.Now().Add(-time.Hour), signedKey, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := c.Verify("descriptor signing key", TypeSigningHSDesc, nil, time.Now()); err == nil {
		t.Fatal("Verify should reject an expired certificate")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var signedKey [32]byte
	c, err := Encode(TypeSigningHSDesc, time.Now().Add(time.Hour), signedKey, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := c.Bytes()
	raw[len(raw)-1] ^= 0xFF
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := parsed.Verify("descriptor signing key", TypeSigningHSDesc, nil, time.Now()); err == nil {
		t.Fatal("Verify should reject a tampered signature")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err == nil {
		t.Fatal("Parse should reject a too-short certificate")
	}
}

func TestCrossCertRoundTrip(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	var edKey [32]byte
	copy(edKey[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))

	exp := time.Now().Add(48 * time.Hour)
	cc, err := SignCrossCert(rsaKey, edKey, exp)
	if err != nil {
		t.Fatalf("SignCrossCert: %v", err)
	}

	if err := VerifyCrossCert("enc-key crosscert", &rsaKey.PublicKey, edKey, cc, time.Now()); err != nil {
		t.Fatalf("VerifyCrossCert: %v", err)
	}
}

func TestCrossCertClockSkewTolerance(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	var edKey [32]byte
	exp := time.Now().Add(-12 * time.Hour) // expired, but within 1-day skew allowance
	cc, err := SignCrossCert(rsaKey, edKey, exp)
	if err != nil {
		t.Fatalf("SignCrossCert: %v", err)
	}
	if err := VerifyCrossCert("enc-key crosscert", &rsaKey.PublicKey, edKey, cc, time.Now()); err != nil {
		t.Fatalf("VerifyCrossCert should tolerate 1 day of clock skew: %v", err)
	}
}

func TestCrossCertBytesRoundTrip(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	var edKey [32]byte
	copy(edKey[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))

	exp := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
	cc, err := SignCrossCert(rsaKey, edKey, exp)
	if err != nil {
		t.Fatalf("SignCrossCert: %v", err)
	}

	parsed, err := ParseCrossCert(cc.Bytes())
	if err != nil {
		t.Fatalf("ParseCrossCert: %v", err)
	}
	if !parsed.Expiration.Equal(exp) {
		t.Fatalf("Expiration = %v, want %v", parsed.Expiration, exp)
	}
	if err := VerifyCrossCert("enc-key crosscert", &rsaKey.PublicKey, edKey, parsed, time.Now()); err != nil {
		t.Fatalf("VerifyCrossCert on round-tripped crosscert: %v", err)
	}
}

func TestEncodeRawMatchesEncode(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	var signedKey [32]byte
	copy(signedKey[:], []byte("0123456789abcdef0123456789abcde"))
	var signingPub [32]byte
	copy(signingPub[:], pub)

	exp := time.Now().Add(time.Hour)
	c, err := EncodeRaw(TypeAuthHSIPKey, exp, signedKey, signingPub, func(body []byte) []byte {
		return ed25519.Sign(priv, body)
	})
	if err != nil {
		t.Fatalf("EncodeRaw: %v", err)
	}
	if err := c.Verify("test", TypeAuthHSIPKey, nil, time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	want, err := Encode(TypeAuthHSIPKey, exp, signedKey, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(c.Bytes(), want.Bytes()) {
		t.Fatalf("EncodeRaw bytes = %x, Encode bytes = %x", c.Bytes(), want.Bytes())
	}
}

func TestCrossCertRejectsStale(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	var edKey [32]byte
	exp := time.Now().Add(-48 * time.Hour) // well past the 1-day skew allowance
	cc, err := SignCrossCert(rsaKey, edKey, exp)
	if err != nil {
		t.Fatalf("SignCrossCert: %v", err)
	}
	if err := VerifyCrossCert("enc-key crosscert", &rsaKey.PublicKey, edKey, cc, time.Now()); err == nil {
		t.Fatal("VerifyCrossCert should reject a crosscert beyond the skew allowance")
	}
}
