package hsdesc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/oniondir/hsdesc3/desctok"
)

// outerTable is the superencrypted (outer) layer's rule table (spec §4.5).
var outerTable = desctok.Table{
	{Keyword: "desc-auth-type", Position: desctok.Start, Card: desctok.Once, Args: desctok.GE(1), Object: desctok.NoObject},
	{Keyword: "desc-auth-key", Card: desctok.Once, Args: desctok.GE(1), Object: desctok.NoObject},
	{Keyword: "auth-client", Card: desctok.AnyCount, Args: desctok.GE(3), Object: desctok.NoObject},
	{Keyword: "encrypted", Card: desctok.Once, Args: desctok.NoArgs(), Object: desctok.ObjectRequired},
}

// authClientTokenLens are the pre-encoding byte lengths of an auth-client
// line's three base64 tokens.
var authClientTokenLens = [3]int{8, 16, 16}

// OuterLayer is the plaintext of the superencrypted (middle) layer (spec
// §3/§4.5). ClientAuthKey is a placeholder Curve25519 key: client
// authorization itself is out of scope, so this subsystem only ever
// produces syntactically valid, indistinguishable-from-real auth
// scaffolding.
type OuterLayer struct {
	ClientAuthKey [32]byte
	// EncryptedWire is the inner layer's envelope-encrypted wire form
	// (salt ‖ ciphertext ‖ mac), carried verbatim in the "encrypted"
	// object body.
	EncryptedWire []byte
}

// Encode renders the outer layer, filling all 16 auth-client lines with
// fresh random bytes so the wire form never reveals whether real client
// authorization is configured (spec §9 "Fake client authorization" —
// MUST NOT reuse a fixed block).
func (o *OuterLayer) Encode() (string, error) {
	var b strings.Builder
	b.WriteString("desc-auth-type x25519\n")
	fmt.Fprintf(&b, "desc-auth-key %s\n", base64.RawStdEncoding.EncodeToString(o.ClientAuthKey[:]))

	for i := 0; i < ClientAuthEntriesBlockSize; i++ {
		line, err := randomAuthClientLine()
		if err != nil {
			return "", newErr(KindBadFormat, "generate fake auth-client line", err)
		}
		b.WriteString(line)
	}

	b.WriteString("encrypted\n")
	b.WriteString(pemObject("MESSAGE", o.EncryptedWire))
	return b.String(), nil
}

func randomAuthClientLine() (string, error) {
	var fields [3]string
	for i, n := range authClientTokenLens {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		fields[i] = base64.RawStdEncoding.EncodeToString(buf)
	}
	return fmt.Sprintf("auth-client %s %s %s\n", fields[0], fields[1], fields[2]), nil
}

// ParseOuterLayer parses the decrypted outer-layer plaintext.
func ParseOuterLayer(text string) (*OuterLayer, error) {
	toks, err := desctok.Tokenize(text)
	if err != nil {
		return nil, newErr(KindBadFormat, "tokenize outer layer", err)
	}
	byKW, err := desctok.Validate(outerTable, toks)
	if err != nil {
		return nil, newErr(KindBadFormat, "validate outer layer", err)
	}

	authType := desctok.First(byKW, "desc-auth-type")
	if authType.Args[0] != "x25519" {
		return nil, newErr(KindBadFormat, "unsupported desc-auth-type: "+authType.Args[0], nil)
	}

	o := &OuterLayer{}
	authKeyTok := desctok.First(byKW, "desc-auth-key")
	raw, err := decodeUnpaddedBase64(authKeyTok.Args[0])
	if err != nil || len(raw) != 32 {
		return nil, newErr(KindBadFormat, "desc-auth-key is not a 32-byte key", err)
	}
	copy(o.ClientAuthKey[:], raw)

	clients := byKW["auth-client"]
	if len(clients) != ClientAuthEntriesBlockSize {
		return nil, newErr(KindBadFormat, fmt.Sprintf("expected exactly %d auth-client lines, got %d", ClientAuthEntriesBlockSize, len(clients)), nil)
	}

	encTok := desctok.First(byKW, "encrypted")
	o.EncryptedWire = encTok.Object.Data
	return o, nil
}
