package hsdesc

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oniondir/hsdesc3/cert"
	"github.com/oniondir/hsdesc3/crypto"
	"github.com/oniondir/hsdesc3/desctok"
	"github.com/oniondir/hsdesc3/linkspec"
)

// innerTable is the inner (encrypted) layer's rule table, promoted from
// the source's macro-driven token_rule_t array into first-class data.
var innerTable = desctok.Table{
	{Keyword: "create2-formats", Position: desctok.Start, Card: desctok.Once, Args: desctok.AnyArgs(), Object: desctok.NoObject},
	{Keyword: "intro-auth-required", Card: desctok.AtMostOnce, Args: desctok.AnyArgs(), Object: desctok.NoObject},
	{Keyword: "single-onion-service", Card: desctok.AtMostOnce, Args: desctok.AnyArgs(), Object: desctok.NoObject},
	{Keyword: "introduction-point", Card: desctok.AnyCount, Args: desctok.EQ(1), Object: desctok.NoObject},
}

// introPointTable is the per-introduction-point sub-document's rule table.
var introPointTable = desctok.Table{
	{Keyword: "introduction-point", Position: desctok.Start, Card: desctok.Once, Args: desctok.EQ(1), Object: desctok.NoObject},
	{Keyword: "auth-key", Card: desctok.Once, Args: desctok.NoArgs(), Object: desctok.ObjectRequired},
	{Keyword: "enc-key", Card: desctok.Once, Args: desctok.GE(1), Object: desctok.ObjectOptional},
	{Keyword: "enc-key-certification", Card: desctok.Once, Args: desctok.NoArgs(), Object: desctok.ObjectRequired},
}

// EncKeyKind tags which variant of the introduction-point encryption key
// is present. Represented as a tagged variant rather than an interface
// with a downcast, since the cross-certification path differs materially
// between the two (spec §9 "Introduction-point polymorphism").
type EncKeyKind int

const (
	EncKeyNTor EncKeyKind = iota
	EncKeyLegacy
)

// IntroPoint is one advertised introduction-point entry (spec §3).
type IntroPoint struct {
	LinkSpecifiers []linkspec.Spec
	AuthKeyCert    *cert.Cert // type AUTH_HS_IP_KEY

	EncKeyKind      EncKeyKind
	EncKeyNTor      [32]byte       // set when EncKeyKind == EncKeyNTor
	EncKeyLegacy    *rsa.PublicKey // set when EncKeyKind == EncKeyLegacy (parsed opportunistically)
	EncKeyLegacyPEM []byte         // raw PEM body, always set for EncKeyLegacy

	EncKeyCert      *cert.Cert // type CROSS_HS_IP_KEYS, set for the ntor variant
	EncKeyCrossCert *cert.CrossCert // set for the legacy RSA variant
}

// Encode renders one introduction point as its descriptor text block.
func (ip *IntroPoint) Encode() (string, error) {
	var b strings.Builder

	linkTok, err := linkspec.EncodeToken(ip.LinkSpecifiers)
	if err != nil {
		return "", newErr(KindBadIntroPoint, "encode link specifiers", err)
	}
	fmt.Fprintf(&b, "introduction-point %s\n", linkTok)

	if ip.AuthKeyCert == nil {
		return "", newErr(KindBadIntroPoint, "missing auth-key certificate", nil)
	}
	fmt.Fprintf(&b, "auth-key\n%s", pemObject("ED25519 CERT", ip.AuthKeyCert.Bytes()))

	switch ip.EncKeyKind {
	case EncKeyNTor:
		fmt.Fprintf(&b, "enc-key ntor %s\n", base64.RawStdEncoding.EncodeToString(ip.EncKeyNTor[:]))
		if ip.EncKeyCert == nil {
			return "", newErr(KindBadIntroPoint, "missing enc-key-certification for ntor variant", nil)
		}
		fmt.Fprintf(&b, "enc-key-certification\n%s", pemObject("ED25519 CERT", ip.EncKeyCert.Bytes()))
	case EncKeyLegacy:
		fmt.Fprintf(&b, "enc-key legacy\n%s", pemObject("RSA PUBLIC KEY", ip.EncKeyLegacyPEM))
		if ip.EncKeyCrossCert == nil {
			return "", newErr(KindBadIntroPoint, "missing enc-key-certification for legacy variant", nil)
		}
		fmt.Fprintf(&b, "enc-key-certification\n%s", pemObject("CROSSCERT", ip.EncKeyCrossCert.Bytes()))
	default:
		return "", newErr(KindBadIntroPoint, "unknown enc-key kind", nil)
	}

	return b.String(), nil
}

// pemObject wraps data in a BEGIN/END object body with 64-column base64,
// matching the wire format's PEM framing.
func pemObject(tag string, data []byte) string {
	block := &pem.Block{Type: tag, Bytes: data}
	// pem.EncodeToMemory already produces the "-----BEGIN x-----\n...\n-----END x-----\n" shape.
	return string(pem.EncodeToMemory(block))
}

// parseIntroPoint parses one introduction-point text block, previously
// split out by splitIntroPoints, and verifies its full cross-certification
// chain against descSigningPubkey: the auth-key must be certified by the
// descriptor's signing key (spec.md §3 "Introduction point" invariant),
// and the enc-key must be cross-certified back to that same signing key —
// via the embedded CROSS_HS_IP_KEYS cert's signed_key for the ntor
// variant, or the RSA↔Ed25519 crosscert for the legacy variant.
func parseIntroPoint(text string, descSigningPubkey [32]byte, now time.Time) (*IntroPoint, error) {
	toks, err := desctok.Tokenize(text)
	if err != nil {
		return nil, newErr(KindBadFormat, "tokenize introduction point", err)
	}
	byKW, err := desctok.Validate(introPointTable, toks)
	if err != nil {
		return nil, newErr(KindBadFormat, "validate introduction point", err)
	}

	ip := &IntroPoint{}

	linkTok := desctok.First(byKW, "introduction-point")
	specs, err := linkspec.DecodeToken(linkTok.Args[0])
	if err != nil {
		return nil, newErr(KindBadIntroPoint, "decode link specifiers", err)
	}
	if len(specs) == 0 {
		return nil, newErr(KindBadIntroPoint, "introduction point has no link specifiers", nil)
	}
	ip.LinkSpecifiers = specs

	authTok := desctok.First(byKW, "auth-key")
	authCert, err := cert.Parse(authTok.Object.Data)
	if err != nil {
		return nil, newErr(KindBadCert, "parse auth-key certificate", err)
	}
	if err := authCert.Verify("introduction point auth-key", cert.TypeAuthHSIPKey, descSigningPubkey[:], now); err != nil {
		return nil, newErr(KindBadCert, "verify auth-key certificate", err)
	}
	ip.AuthKeyCert = authCert

	encTok := desctok.First(byKW, "enc-key")
	encCertTok := desctok.First(byKW, "enc-key-certification")

	switch encTok.Args[0] {
	case "ntor":
		if len(encTok.Args) < 2 {
			return nil, newErr(KindBadIntroPoint, "ntor enc-key missing key argument", nil)
		}
		raw, err := decodeUnpaddedBase64(encTok.Args[1])
		if err != nil || len(raw) != 32 {
			return nil, newErr(KindBadIntroPoint, "ntor enc-key is not a 32-byte curve25519 key", err)
		}
		copy(ip.EncKeyNTor[:], raw)
		if err := crypto.ValidateCurvePoint(ip.EncKeyNTor[:]); err != nil {
			return nil, newErr(KindBadIntroPoint, "ntor enc-key is not a valid curve25519 point", err)
		}
		ip.EncKeyKind = EncKeyNTor

		encCert, err := cert.Parse(encCertTok.Object.Data)
		if err != nil {
			return nil, newErr(KindBadCert, "parse enc-key-certification", err)
		}
		// The signing key here is derived from this enc-key's own
		// Curve25519 private scalar (see crypto.Ed25519FromCurve25519),
		// which a verifier without that private key cannot recompute —
		// so the cert's self-embedded signing-key extension is trusted
		// for the signature check, and the binding to the descriptor is
		// instead enforced by comparing the certified signed_key.
		if err := encCert.Verify("introduction point enc-key-certification", cert.TypeCrossHSIPKeys, nil, now); err != nil {
			return nil, newErr(KindBadCert, "verify enc-key-certification", err)
		}
		if encCert.SignedKey != descSigningPubkey {
			return nil, newErr(KindBadCert, "enc-key-certification does not bind the descriptor's signing key", nil)
		}
		ip.EncKeyCert = encCert
	case "legacy":
		if encTok.Object == nil {
			return nil, newErr(KindBadIntroPoint, "legacy enc-key missing RSA public key object", nil)
		}
		ip.EncKeyLegacyPEM = encTok.Object.Data
		parsed, err := x509.ParsePKIXPublicKey(encTok.Object.Data)
		if err != nil {
			return nil, newErr(KindBadIntroPoint, "legacy enc-key is not a valid RSA public key", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, newErr(KindBadIntroPoint, "legacy enc-key is not an RSA public key", nil)
		}
		ip.EncKeyLegacy = pub
		ip.EncKeyKind = EncKeyLegacy

		if encCertTok.Object == nil {
			return nil, newErr(KindBadIntroPoint, "legacy enc-key missing crosscert object", nil)
		}
		crossCert, err := cert.ParseCrossCert(encCertTok.Object.Data)
		if err != nil {
			return nil, newErr(KindBadCert, "parse legacy enc-key-certification", err)
		}
		if err := cert.VerifyCrossCert("introduction point enc-key-certification", pub, descSigningPubkey, crossCert, now); err != nil {
			return nil, newErr(KindBadCert, "verify legacy enc-key-certification", err)
		}
		ip.EncKeyCrossCert = crossCert
	default:
		return nil, newErr(KindBadIntroPoint, "unrecognized enc-key variant: "+encTok.Args[0], nil)
	}

	return ip, nil
}

func decodeUnpaddedBase64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// InnerLayer is the plaintext of the encrypted (innermost) layer (spec
// §3 "Encrypted (inner) data", §4.6).
type InnerLayer struct {
	Create2Formats     []int
	IntroAuthRequired  []string
	SingleOnionService bool
	IntroPoints        []IntroPoint
}

// Encode renders the inner layer to its descriptor-text form. Fails with
// KindBadIntroPoint if len(IntroPoints) > MaxIntroPoints, and with
// KindBadFormat if Create2Formats omits NTorHandshakeType.
func (l *InnerLayer) Encode() (string, error) {
	if len(l.IntroPoints) > MaxIntroPoints {
		return "", newErr(KindBadIntroPoint, fmt.Sprintf("%d introduction points exceeds max %d", len(l.IntroPoints), MaxIntroPoints), nil)
	}
	if !containsInt(l.Create2Formats, NTorHandshakeType) {
		return "", newErr(KindBadFormat, "create2-formats must include NTOR (2)", nil)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "create2-formats %s\n", joinInts(l.Create2Formats))
	if len(l.IntroAuthRequired) > 0 {
		fmt.Fprintf(&b, "intro-auth-required %s\n", strings.Join(l.IntroAuthRequired, " "))
	}
	if l.SingleOnionService {
		b.WriteString("single-onion-service\n")
	}
	for i := range l.IntroPoints {
		text, err := l.IntroPoints[i].Encode()
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// ParseInnerLayer parses the decrypted inner-layer plaintext, verifying
// every introduction point's cross-certification chain against the
// descriptor's signing key.
func ParseInnerLayer(text string, descSigningPubkey [32]byte, now time.Time) (*InnerLayer, error) {
	header, ipBlocks := splitIntroPoints(text)

	toks, err := desctok.Tokenize(header)
	if err != nil {
		return nil, newErr(KindBadFormat, "tokenize inner layer", err)
	}
	byKW, err := desctok.Validate(innerTable[:3], toks)
	if err != nil {
		return nil, newErr(KindBadFormat, "validate inner layer header", err)
	}

	l := &InnerLayer{}
	formatsTok := desctok.First(byKW, "create2-formats")
	for _, a := range formatsTok.Args {
		n, err := strconv.Atoi(a)
		if err != nil {
			continue // unknown/non-numeric values are ignored, per spec §4.6
		}
		l.Create2Formats = append(l.Create2Formats, n)
	}
	if !containsInt(l.Create2Formats, NTorHandshakeType) {
		return nil, newErr(KindBadFormat, "create2-formats must include NTOR (2)", nil)
	}

	if authTok := desctok.First(byKW, "intro-auth-required"); authTok != nil {
		l.IntroAuthRequired = authTok.Args
	}
	if soTok := desctok.First(byKW, "single-onion-service"); soTok != nil {
		l.SingleOnionService = true
	}

	if len(ipBlocks) > MaxIntroPoints {
		return nil, newErr(KindBadIntroPoint, fmt.Sprintf("%d introduction points exceeds max %d", len(ipBlocks), MaxIntroPoints), nil)
	}
	for _, block := range ipBlocks {
		ip, err := parseIntroPoint(block, descSigningPubkey, now)
		if err != nil {
			return nil, err
		}
		l.IntroPoints = append(l.IntroPoints, *ip)
	}
	return l, nil
}

// splitIntroPoints separates the inner layer's leading header lines from
// its trailing "introduction-point" sub-documents, since each
// introduction point is itself validated against its own rule table.
func splitIntroPoints(text string) (header string, blocks []string) {
	lines := strings.Split(text, "\n")
	var headerLines []string
	var cur []string
	inBlock := false

	flush := func() {
		if inBlock {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "introduction-point ") || line == "introduction-point" {
			flush()
			inBlock = true
			cur = []string{line}
			continue
		}
		if inBlock {
			cur = append(cur, line)
		} else {
			headerLines = append(headerLines, line)
		}
	}
	flush()
	return strings.Join(headerLines, "\n"), blocks
}

func containsInt(xs []int, want int) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, " ")
}

// SignAuthKeyCert issues the AUTH_HS_IP_KEY certificate binding an
// introduction point's Ed25519 auth key to the descriptor's signing key.
func SignAuthKeyCert(authKey [32]byte, descSigningPriv ed25519.PrivateKey, expiration time.Time) (*cert.Cert, error) {
	return cert.Encode(cert.TypeAuthHSIPKey, expiration, authKey, descSigningPriv)
}

// SignEncKeyCert issues the CROSS_HS_IP_KEYS certificate for the ntor
// variant, binding the introduction point's ntor enc-key to the
// descriptor's signing key. Mirrors the source's encode_enc_key: the
// signer is not the auth key but an Ed25519 keypair derived from the
// enc-key's own Curve25519 private scalar, and the certified (signed_key)
// value is the descriptor's signing_pubkey, not the enc-key itself.
func SignEncKeyCert(encKeyPriv [32]byte, descSigningPubkey [32]byte, expiration time.Time) (*cert.Cert, error) {
	edPub, sign, err := crypto.Ed25519FromCurve25519(encKeyPriv)
	if err != nil {
		return nil, fmt.Errorf("derive ed25519 keypair from curve25519 enc-key: %w", err)
	}
	return cert.EncodeRaw(cert.TypeCrossHSIPKeys, expiration, descSigningPubkey, edPub, sign)
}
