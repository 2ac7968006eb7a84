// Command hsdescctl exercises the hidden-service descriptor subsystem
// end-to-end: generate a fresh signing identity, encode a minimal
// descriptor, store it in a directory cache, then look it up and decode
// it back. It is a smoke-test harness, not a production HSDir — grounded
// on cmd/tor-client/main.go's flag-parsing/slog-setup/dispatch shape.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/oniondir/hsdesc3/cert"
	"github.com/oniondir/hsdesc3/crypto"
	"github.com/oniondir/hsdesc3/hscache"
	"github.com/oniondir/hsdesc3/hsdesc"
	"github.com/oniondir/hsdesc3/linkspec"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	revision := flag.Uint64("revision-counter", 1, "revision counter to publish")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	logger := setupLogging(*verbose)
	fmt.Printf("=== hsdescctl %s ===\n", Version)

	d, signingPriv := buildSampleDescriptor(*revision)

	text, err := d.Encode(signingPriv, hsdesc.Params{})
	if err != nil {
		logger.Error("encode descriptor", "err", err)
		os.Exit(1)
	}
	fmt.Printf("encoded descriptor: %d bytes\n", len(text))

	var c hscache.Cache
	c.Logger = logger
	c.Init()

	now := time.Now()
	stored, err := c.Store(text, now)
	if err != nil {
		logger.Error("store descriptor", "err", err)
		os.Exit(1)
	}
	fmt.Printf("stored: %v\n", stored)

	addr := hsdesc.EncodeOnionAddress(d.SigningPubkey)
	fmt.Printf("signing pubkey onion address: %s\n", addr)

	query := base64Key(d.BlindedPubkey)
	got, ok := c.Lookup(query)
	if !ok {
		logger.Error("lookup failed after store")
		os.Exit(1)
	}

	decoded, err := hsdesc.Decode(got, d.Subcredential, now)
	if err != nil {
		logger.Error("decode stored descriptor", "err", err)
		os.Exit(1)
	}
	fmt.Printf("round trip ok: revision_counter=%d intro_points=%d\n", decoded.RevisionCounter, len(decoded.Inner.IntroPoints))
}

func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func buildSampleDescriptor(revisionCounter uint64) (*hsdesc.Descriptor, ed25519.PrivateKey) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	must(err)
	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	must(err)

	var signedKey [32]byte
	copy(signedKey[:], signingPub)

	signingCert, err := cert.Encode(cert.TypeSigningHSDesc, time.Now().Add(24*time.Hour), signedKey, blindedPriv)
	must(err)

	authPub, _, err := ed25519.GenerateKey(nil)
	must(err)
	var authKeyArr [32]byte
	copy(authKeyArr[:], authPub)
	authCert, err := hsdesc.SignAuthKeyCert(authKeyArr, signingPriv, time.Now().Add(24*time.Hour))
	must(err)

	var encKeyPriv [32]byte
	encKeyPriv[0] = 9
	encKeyPub, err := crypto.ScalarBaseMult(encKeyPriv)
	must(err)
	encCert, err := hsdesc.SignEncKeyCert(encKeyPriv, signedKey, time.Now().Add(24*time.Hour))
	must(err)

	var legacyID [20]byte
	ip := hsdesc.IntroPoint{
		LinkSpecifiers: []linkspec.Spec{
			linkspec.IPv4Spec(net.ParseIP("127.0.0.1"), 9001),
			linkspec.LegacyIDSpec(legacyID),
		},
		AuthKeyCert: authCert,
		EncKeyKind:  hsdesc.EncKeyNTor,
		EncKeyNTor:  encKeyPub,
		EncKeyCert:  encCert,
	}

	var blindedArr [32]byte
	copy(blindedArr[:], blindedPub)

	d := &hsdesc.Descriptor{
		LifetimeSec:     180 * 60,
		SigningKeyCert:  signingCert,
		SigningPubkey:   signedKey,
		BlindedPubkey:   blindedArr,
		RevisionCounter: revisionCounter,
		Inner: hsdesc.InnerLayer{
			Create2Formats: []int{hsdesc.NTorHandshakeType},
			IntroPoints:    []hsdesc.IntroPoint{ip},
		},
		Subcredential: hsdesc.Subcredential(signedKey, blindedArr),
	}
	return d, signingPriv
}

func base64Key(key [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
