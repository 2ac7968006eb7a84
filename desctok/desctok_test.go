package desctok

import (
	"errors"
	"strings"
	"testing"
)

// plaintextTable mirrors the outer-layer rule table: hs-descriptor must
// start the document, signature must end it, and descriptor-signing-key-cert
// carries a mandatory object.
var plaintextTable = Table{
	{Keyword: "hs-descriptor", Position: Start, Card: Once, Args: EQ(1), Object: NoObject},
	{Keyword: "descriptor-lifetime", Card: Once, Args: EQ(1), Object: NoObject},
	{Keyword: "descriptor-signing-key-cert", Card: Once, Args: NoArgs(), Object: ObjectRequired},
	{Keyword: "revision-counter", Card: Once, Args: EQ(1), Object: NoObject},
	{Keyword: "superencrypted", Card: Once, Args: NoArgs(), Object: ObjectRequired},
	{Keyword: "signature", Position: End, Card: Once, Args: EQ(1), Object: NoObject},
}

const samplePlaintext = `hs-descriptor 3
descriptor-lifetime 180
descriptor-signing-key-cert
-----BEGIN ED25519 CERT-----
AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
-----END ED25519 CERT-----
revision-counter 42
superencrypted
-----BEGIN MESSAGE-----
AAAA
-----END MESSAGE-----
signature abcdef0123456789
`

func TestTokenizeValidateRoundTrip(t *testing.T) {
	toks, err := Tokenize(samplePlaintext)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	byKeyword, err := Validate(plaintextTable, toks)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cert := First(byKeyword, "descriptor-signing-key-cert")
	if cert == nil || cert.Object == nil {
		t.Fatal("expected descriptor-signing-key-cert to carry an object")
	}
	if cert.Object.Tag != "ED25519 CERT" {
		t.Fatalf("object tag = %q, want %q", cert.Object.Tag, "ED25519 CERT")
	}

	rev := First(byKeyword, "revision-counter")
	if rev == nil || rev.Args[0] != "42" {
		t.Fatalf("revision-counter args = %v, want [42]", rev.Args)
	}
}

func TestValidateRejectsMissingKeyword(t *testing.T) {
	text := strings.Replace(samplePlaintext, "revision-counter 42\n", "", 1)
	toks, err := Tokenize(text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := Validate(plaintextTable, toks); err == nil {
		t.Fatal("Validate should reject a document missing a mandatory keyword")
	}
}

func TestValidateRejectsDuplicateOnceKeyword(t *testing.T) {
	text := strings.Replace(samplePlaintext, "revision-counter 42\n", "revision-counter 42\nrevision-counter 42\n", 1)
	toks, err := Tokenize(text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	_, err = Validate(plaintextTable, toks)
	if err == nil {
		t.Fatal("Validate should reject a cardinality-1 keyword seen twice")
	}
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindDuplicate {
		t.Fatalf("Validate error = %v, want KindDuplicate", err)
	}
}

func TestValidateRejectsWrongStart(t *testing.T) {
	text := "descriptor-lifetime 180\nhs-descriptor 3\n" + samplePlaintext[len("hs-descriptor 3\n"):]
	toks, err := Tokenize(text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := Validate(plaintextTable, toks); err == nil {
		t.Fatal("Validate should reject hs-descriptor not appearing first")
	}
}

func TestValidateRejectsUnknownKeyword(t *testing.T) {
	toks, err := Tokenize("hs-descriptor 3\nbogus-keyword foo\n")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := Validate(plaintextTable, toks); err == nil {
		t.Fatal("Validate should reject an unrecognized keyword")
	}
}

func TestValidateRejectsBadArgCount(t *testing.T) {
	toks, err := Tokenize("hs-descriptor 3 extra\n")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := Validate(plaintextTable, toks); err == nil {
		t.Fatal("Validate should reject hs-descriptor with the wrong argument count")
	}
}

func TestValidateRejectsUnwantedObject(t *testing.T) {
	text := "hs-descriptor 3\n-----BEGIN X-----\nAAAA\n-----END X-----\n"
	toks, err := Tokenize(text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := Validate(plaintextTable, toks); err == nil {
		t.Fatal("Validate should reject an object attached to a NoObject keyword")
	}
}

func TestTokenizeRejectsUnterminatedObject(t *testing.T) {
	text := "descriptor-signing-key-cert\n-----BEGIN ED25519 CERT-----\nAAAA\n"
	if _, err := Tokenize(text); err == nil {
		t.Fatal("Tokenize should reject a BEGIN block with no matching END")
	}
}

func FuzzTokenize(f *testing.F) {
	f.Add(samplePlaintext)
	f.Add("")
	f.Add("-----BEGIN X-----\n-----END X-----\n")
	f.Fuzz(func(t *testing.T, text string) {
		toks, err := Tokenize(text)
		if err != nil {
			return
		}
		_, _ = Validate(plaintextTable, toks)
	})
}
