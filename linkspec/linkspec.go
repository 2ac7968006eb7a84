// Package linkspec implements the link-specifier wire codec used inside
// v3 hidden-service descriptors: a count-prefixed, typed sequence of
// relay-addressing records, base64-wrapped as a single descriptor token
// argument. Grounded on the decode-only ParseLinkSpecifiers helper in the
// teacher repo's onion package; this package adds the symmetric encoder
// the teacher never needed, because spec.md requires the wire form to
// round-trip bit-exactly.
package linkspec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
)

// Type is the 1-byte link-specifier type tag.
type Type uint8

const (
	TypeIPv4     Type = 0x00
	TypeIPv6     Type = 0x01
	TypeLegacyID Type = 0x02
)

const legacyIDLen = 20

// Spec is one tagged link-specifier record (spec.md §3 "Link specifier").
type Spec struct {
	Type Type

	// Addr and Port are set for TypeIPv4/TypeIPv6.
	Addr net.IP
	Port uint16

	// LegacyID is set for TypeLegacyID: the 20-byte RSA identity digest.
	LegacyID [20]byte
}

// payloadLen returns the exact wire payload size for t, or 0 and false if
// t is not a recognized type.
func payloadLen(t Type) (int, bool) {
	switch t {
	case TypeIPv4:
		return 4 + 2, true
	case TypeIPv6:
		return 16 + 2, true
	case TypeLegacyID:
		return legacyIDLen, true
	default:
		return 0, false
	}
}

// IPv4Spec builds an IPv4 link specifier.
func IPv4Spec(addr net.IP, port uint16) Spec {
	return Spec{Type: TypeIPv4, Addr: addr.To4(), Port: port}
}

// IPv6Spec builds an IPv6 link specifier.
func IPv6Spec(addr net.IP, port uint16) Spec {
	return Spec{Type: TypeIPv6, Addr: addr.To16(), Port: port}
}

// LegacyIDSpec builds a legacy RSA-identity link specifier.
func LegacyIDSpec(id [20]byte) Spec {
	return Spec{Type: TypeLegacyID, LegacyID: id}
}

// Encode serializes specs to their raw wire form: a 1-byte count followed
// by {type, length, payload} for each record (spec.md §3/§6).
func Encode(specs []Spec) ([]byte, error) {
	if len(specs) > 255 {
		return nil, fmt.Errorf("too many link specifiers: %d", len(specs))
	}
	out := make([]byte, 0, 1+len(specs)*20)
	out = append(out, byte(len(specs)))

	for i, s := range specs {
		n, ok := payloadLen(s.Type)
		if !ok {
			return nil, fmt.Errorf("link specifier %d: unknown type %d", i, s.Type)
		}
		out = append(out, byte(s.Type), byte(n))

		switch s.Type {
		case TypeIPv4:
			ip4 := s.Addr.To4()
			if ip4 == nil {
				return nil, fmt.Errorf("link specifier %d: not a valid IPv4 address", i)
			}
			out = append(out, ip4...)
			out = append(out, portBytes(s.Port)...)
		case TypeIPv6:
			ip6 := s.Addr.To16()
			if ip6 == nil {
				return nil, fmt.Errorf("link specifier %d: not a valid IPv6 address", i)
			}
			out = append(out, ip6...)
			out = append(out, portBytes(s.Port)...)
		case TypeLegacyID:
			out = append(out, s.LegacyID[:]...)
		}
	}
	return out, nil
}

func portBytes(port uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], port)
	return buf[:]
}

// Decode parses the raw wire form produced by Encode. Every declared
// length must exactly match its type's required payload size (spec.md
// §3's invariant); any mismatch or unknown type is a MalformedLinkSpec
// failure.
func Decode(data []byte) ([]Spec, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("malformed link specifiers: empty input")
	}
	count := int(data[0])
	off := 1

	specs := make([]Spec, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("malformed link specifiers: record %d header truncated", i)
		}
		t := Type(data[off])
		declaredLen := int(data[off+1])
		off += 2

		wantLen, ok := payloadLen(t)
		if !ok {
			return nil, fmt.Errorf("malformed link specifiers: unknown type %d at record %d", t, i)
		}
		if declaredLen != wantLen {
			return nil, fmt.Errorf("malformed link specifiers: record %d declares length %d, type %d requires %d", i, declaredLen, t, wantLen)
		}
		if off+declaredLen > len(data) {
			return nil, fmt.Errorf("malformed link specifiers: record %d payload truncated", i)
		}
		payload := data[off : off+declaredLen]
		off += declaredLen

		var s Spec
		switch t {
		case TypeIPv4:
			s = Spec{Type: t, Addr: net.IP(append([]byte(nil), payload[:4]...)), Port: binary.BigEndian.Uint16(payload[4:6])}
		case TypeIPv6:
			s = Spec{Type: t, Addr: net.IP(append([]byte(nil), payload[:16]...)), Port: binary.BigEndian.Uint16(payload[16:18])}
		case TypeLegacyID:
			s = Spec{Type: t}
			copy(s.LegacyID[:], payload)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// EncodeToken base64-wraps the wire form for use as the argument of an
// introduction-point's "introduction-point" token (spec.md §4.3/§6):
// unpadded, single-line base64.
func EncodeToken(specs []Spec) (string, error) {
	wire, err := Encode(specs)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(wire), nil
}

// DecodeToken reverses EncodeToken, accepting both padded and unpadded
// base64 since real-world descriptors are not always strictly unpadded.
func DecodeToken(token string) ([]Spec, error) {
	wire, err := base64.RawStdEncoding.DecodeString(token)
	if err != nil {
		wire, err = base64.StdEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("malformed link specifiers: base64 decode: %w", err)
		}
	}
	return Decode(wire)
}
