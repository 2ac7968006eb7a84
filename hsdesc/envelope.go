package hsdesc

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"

	"github.com/oniondir/hsdesc3/crypto"
)

const (
	saltLen = 16
	padMult = 10000

	constSuperencrypted = "hsdir-superencrypted-data"
	constEncrypted      = "hsdir-encrypted-data"
)

// blindString and ed25519Basepoint are the fixed inputs to the blinding
// factor hash, taken verbatim from the blinding scheme this subsystem's
// cache keys are derived from.
var blindString = []byte("Derive temporary signing key\x00")
var ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

const (
	defaultTimePeriodLength = 1440 // minutes in a day
	rotationTimeOffset      = 12 * 60
)

// TimePeriod computes the blinding time-period number for t, the unit the
// blinding nonce is derived from.
func TimePeriod(t time.Time, periodLengthMinutes int64) int64 {
	if periodLengthMinutes <= 0 {
		periodLengthMinutes = defaultTimePeriodLength
	}
	minutesSinceEpoch := t.Unix() / 60
	return (minutesSinceEpoch - rotationTimeOffset) / periodLengthMinutes
}

func blindNonce(periodNumber, periodLengthMinutes int64) []byte {
	nonce := make([]byte, 0, 9+8+8)
	nonce = append(nonce, []byte("key-blind")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodNumber))
	nonce = append(nonce, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(periodLengthMinutes))
	nonce = append(nonce, buf[:]...)
	return nonce
}

// BlindPublicKey derives the blinded public key A' = h*A for the stated
// time period, the primary key the directory cache (C9) stores entries
// under.
func BlindPublicKey(pubkey [32]byte, periodNumber, periodLengthMinutes int64) ([32]byte, error) {
	var blinded [32]byte
	if periodLengthMinutes <= 0 {
		periodLengthMinutes = defaultTimePeriodLength
	}

	h := sha3.New256()
	h.Write(blindString)
	h.Write(pubkey[:])
	h.Write(ed25519Basepoint)
	h.Write(blindNonce(periodNumber, periodLengthMinutes))
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return blinded, fmt.Errorf("derive blinding scalar: %w", err)
	}
	A, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return blinded, fmt.Errorf("decode identity key: %w", err)
	}
	Aprime := new(edwards25519.Point).ScalarMult(hScalar, A)
	copy(blinded[:], Aprime.Bytes())
	return blinded, nil
}

// Subcredential derives the 32-byte value folded into the envelope KDF so
// that only clients holding the long-term identity key can compute it.
func Subcredential(pubkey, blindedKey [32]byte) [32]byte {
	credHash := sha3.New256()
	credHash.Write([]byte("credential"))
	credHash.Write(pubkey[:])
	credential := credHash.Sum(nil)

	subHash := sha3.New256()
	subHash.Write([]byte("subcredential"))
	subHash.Write(credential)
	subHash.Write(blindedKey[:])
	var subcred [32]byte
	copy(subcred[:], subHash.Sum(nil))
	return subcred
}

// secretInput builds blinded_pubkey ‖ subcredential ‖ bswap64(revision_counter),
// the input to the per-layer KDF (spec §4.4).
func secretInput(blindedPubkey, subcredential [32]byte, revisionCounter uint64) []byte {
	out := make([]byte, 0, 32+32+8)
	out = append(out, blindedPubkey[:]...)
	out = append(out, subcredential[:]...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], revisionCounter)
	return append(out, buf[:]...)
}

// EncryptLayer implements the encrypt-then-MAC construction of C8. salt
// must be exactly 16 random bytes; isMiddleLayer selects the
// superencrypted-layer padding and KDF constant over the inner layer's.
func EncryptLayer(blindedPubkey, subcredential [32]byte, revisionCounter uint64, salt, plaintext []byte, isMiddleLayer bool) ([]byte, error) {
	if len(salt) != saltLen {
		return nil, newErr(KindBadCrypto, fmt.Sprintf("salt must be %d bytes, got %d", saltLen, len(salt)), nil)
	}

	constant := constEncrypted
	padded := plaintext
	if isMiddleLayer {
		constant = constSuperencrypted
		padded = padTo10000(plaintext)
	}

	ks := crypto.KDF(secretInput(blindedPubkey, subcredential, revisionCounter), salt, constant)
	ciphertext, err := crypto.CTR(ks.Key[:], ks.IV[:], padded)
	if err != nil {
		return nil, newErr(KindBadCrypto, "encrypt layer", err)
	}
	mac := crypto.MAC(ks.MACKey[:], salt, ciphertext)

	wire := make([]byte, 0, saltLen+len(ciphertext)+crypto.MACLen)
	wire = append(wire, salt...)
	wire = append(wire, ciphertext...)
	wire = append(wire, mac...)
	return wire, nil
}

// DecryptLayer reverses EncryptLayer. Failures are reported flatly as
// KindBadCrypto — the caller cannot distinguish a MAC failure from
// truncated ciphertext from bad padding, by design (spec §4.12).
func DecryptLayer(blindedPubkey, subcredential [32]byte, revisionCounter uint64, wire []byte, isMiddleLayer bool) ([]byte, error) {
	if len(wire) < saltLen+crypto.MACLen+1 {
		return nil, newErr(KindBadCrypto, fmt.Sprintf("envelope too short: %d bytes", len(wire)), nil)
	}

	salt := wire[:saltLen]
	ciphertext := wire[saltLen : len(wire)-crypto.MACLen]
	wantMAC := wire[len(wire)-crypto.MACLen:]

	constant := constEncrypted
	if isMiddleLayer {
		constant = constSuperencrypted
	}

	ks := crypto.KDF(secretInput(blindedPubkey, subcredential, revisionCounter), salt, constant)
	if !crypto.VerifyMAC(ks.MACKey[:], salt, ciphertext, wantMAC) {
		return nil, newErr(KindBadCrypto, "MAC verification failed", nil)
	}

	plaintext, err := crypto.CTR(ks.Key[:], ks.IV[:], ciphertext)
	if err != nil {
		return nil, newErr(KindBadCrypto, "decrypt layer", err)
	}

	if isMiddleLayer {
		plaintext = trimZeroPad(plaintext)
	}
	return plaintext, nil
}

// padTo10000 zero-pads data up to the next multiple of padMult bytes,
// always appending at least nothing (data already a multiple is left
// alone), so padded length denies descriptor-size fingerprinting across
// services.
func padTo10000(data []byte) []byte {
	rem := len(data) % padMult
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+(padMult-rem))
	copy(padded, data)
	return padded
}

// trimZeroPad removes trailing NUL bytes appended by padTo10000. The
// source format does not self-describe the unpadded length, so this
// relies on the encoded content itself never ending in a genuine NUL
// byte, which holds for the ASCII descriptor grammar this package emits.
func trimZeroPad(data []byte) []byte {
	i := len(data)
	for i > 0 && data[i-1] == 0 {
		i--
	}
	return data[:i]
}

// EncodeOnionAddress renders a 32-byte Ed25519 public key as a v3 .onion
// address: base32(pubkey ‖ checksum ‖ version) + ".onion".
func EncodeOnionAddress(pubkey [32]byte) string {
	const version = 0x03
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{version})
	checksum := h.Sum(nil)[:2]

	buf := make([]byte, 0, 35)
	buf = append(buf, pubkey[:]...)
	buf = append(buf, checksum...)
	buf = append(buf, version)

	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)) + ".onion"
}

// DecodeOnionAddress parses a v3 .onion address, validating its checksum,
// version byte, and that the embedded key is a valid Ed25519 point.
func DecodeOnionAddress(address string) ([32]byte, error) {
	var pubkey [32]byte
	address = strings.TrimSuffix(strings.ToLower(address), ".onion")

	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(address))
	if err != nil {
		return pubkey, newErr(KindBadFormat, "base32 decode onion address", err)
	}
	if len(decoded) != 35 {
		return pubkey, newErr(KindBadFormat, fmt.Sprintf("decoded length %d, want 35", len(decoded)), nil)
	}

	copy(pubkey[:], decoded[:32])
	checksum := decoded[32:34]
	version := decoded[34]
	if version != 0x03 {
		return pubkey, newErr(KindBadVersion, fmt.Sprintf("unsupported onion address version %d", version), nil)
	}

	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{version})
	want := h.Sum(nil)[:2]
	if checksum[0] != want[0] || checksum[1] != want[1] {
		return pubkey, newErr(KindBadFormat, "onion address checksum mismatch", nil)
	}

	if err := crypto.ValidateEdwardsPoint(pubkey[:]); err != nil {
		return pubkey, newErr(KindBadFormat, "onion address key is not a valid ed25519 point", err)
	}
	return pubkey, nil
}
