// Package votecollate implements the dual-index vote collation consensus
// authorities use to decide which router identities a shared vote round
// agrees on: one index keyed by RSA digest alone (for legacy, RSA-only
// consensus methods) and one keyed by the (Ed25519, RSA) pair (for
// methods that also consider Ed25519 identity). Grounded on dircollate.c's
// dircollate_collate_by_rsa / dircollate_collate_by_ed25519, carried over
// with the same two-pass majority-vote structure and the same "RSA-only
// votes donate into a matching ed25519 row" behavior.
package votecollate

import (
	"bytes"
	"fmt"
	"sort"
)

// RSADigest is a legacy RSA identity-key digest (20 bytes, SHA-1-sized,
// but kept abstract here since this package never hashes one itself).
type RSADigest [20]byte

// EdKey is an Ed25519 identity public key.
type EdKey [32]byte

// Row is one voter's claim about an identity for a single RSA digest:
// whether that voter also listed an Ed25519 key for it, and if so, which.
type Row struct {
	RSA            RSADigest
	HasEd25519     bool
	Ed25519        EdKey
	ReflectsConsensus bool // set by Collate for ed25519-backed rows
}

// Collator accumulates per-voter rows keyed two ways, then resolves a
// single consensus list once every vote has been added (spec §3 "Vote
// collator", §4.10).
type Collator struct {
	nVotes       int
	nAuthorities int
	nextVote     int
	isCollated   bool

	byRSA  map[RSADigest][]*Row      // index: RSA digest -> per-voter row (nil = not listed)
	byBoth map[[52]byte][]*Row       // index: (ed||rsa) -> per-voter row

	collated []RSADigest
}

// New creates a Collator for a vote round of nVotes authorities seen out
// of nAuthorities total. nVotes must not exceed nAuthorities.
func New(nVotes, nAuthorities int) (*Collator, error) {
	if nVotes > nAuthorities {
		return nil, fmt.Errorf("votecollate: n_votes (%d) exceeds n_authorities (%d)", nVotes, nAuthorities)
	}
	return &Collator{
		nVotes:       nVotes,
		nAuthorities: nAuthorities,
		byRSA:        make(map[RSADigest][]*Row),
		byBoth:       make(map[[52]byte][]*Row),
	}, nil
}

func bothKey(ed EdKey, rsa RSADigest) [52]byte {
	var k [52]byte
	copy(k[:32], ed[:])
	copy(k[32:], rsa[:])
	return k
}

// AddVote records one authority's claim about an identity. voteIndex must
// be in [0, nVotes) and strictly increasing across calls, matching the
// source's next_vote_num invariant. AddVote panics if called after
// Collate, mirroring the source's assertion that votes are closed once
// collation begins.
func (c *Collator) AddVote(voteIndex int, rsa RSADigest, hasEd25519 bool, ed EdKey) {
	if c.isCollated {
		panic("votecollate: AddVote called after Collate")
	}
	if voteIndex != c.nextVote {
		panic(fmt.Sprintf("votecollate: AddVote called out of order: got index %d, want %d", voteIndex, c.nextVote))
	}
	c.nextVote++

	row := &Row{RSA: rsa, HasEd25519: hasEd25519, Ed25519: ed}

	lst := c.byRSA[rsa]
	if lst == nil {
		lst = make([]*Row, c.nVotes)
		c.byRSA[rsa] = lst
	}
	lst[voteIndex] = row

	if hasEd25519 {
		key := bothKey(ed, rsa)
		lst2 := c.byBoth[key]
		if lst2 == nil {
			lst2 = make([]*Row, c.nVotes)
			c.byBoth[key] = lst2
		}
		lst2[voteIndex] = row
	}
}

// Method selects which collation procedure Collate runs.
type Method int

const (
	// MethodRSAOnly accepts an RSA digest iff more than half the
	// authorities listed it, ignoring any Ed25519 association.
	MethodRSAOnly Method = iota
	// MethodEd25519Aware additionally considers (ed, rsa) pairs, per
	// spec §4.10.
	MethodEd25519Aware
)

// Collate resolves the consensus list. It may be called only once.
func (c *Collator) Collate(method Method) {
	if c.isCollated {
		panic("votecollate: Collate called twice")
	}
	switch method {
	case MethodRSAOnly:
		c.collateByRSA()
	case MethodEd25519Aware:
		c.collateByEd25519()
	default:
		panic("votecollate: unknown method")
	}
	sort.Slice(c.collated, func(i, j int) bool {
		return bytes.Compare(c.collated[i][:], c.collated[j][:]) < 0
	})
	c.isCollated = true
}

func (c *Collator) countVotes(lst []*Row) int {
	n := 0
	for _, r := range lst {
		if r != nil {
			n++
		}
	}
	return n
}

func (c *Collator) collateByRSA() {
	threshold := c.nAuthorities / 2
	for rsa, lst := range c.byRSA {
		if c.countVotes(lst) > threshold {
			c.collated = append(c.collated, rsa)
		}
	}
}

func (c *Collator) collateByEd25519() {
	threshold := c.nAuthorities / 2
	seen := make(map[RSADigest]bool)

	for key, lst := range c.byBoth {
		if c.countVotes(lst) <= threshold {
			continue
		}
		var rsa RSADigest
		copy(rsa[:], key[32:])

		rsaLst := c.byRSA[rsa]
		for i, r := range lst {
			if r != nil {
				r.ReflectsConsensus = true
			} else if rsaLst[i] != nil && !rsaLst[i].HasEd25519 {
				lst[i] = rsaLst[i]
			}
		}
		seen[rsa] = true
		c.collated = append(c.collated, rsa)
	}

	// Second pass: RSA digests not yet recorded, counting only voters that
	// listed them without an Ed25519 key.
	for rsa, lst := range c.byRSA {
		if seen[rsa] {
			continue
		}
		n := 0
		for _, r := range lst {
			if r != nil && !r.HasEd25519 {
				n++
			}
		}
		if n > threshold {
			c.collated = append(c.collated, rsa)
		}
	}
}

// Collated returns the deduplicated, RSA-digest-sorted consensus list.
// Valid only after Collate has run.
func (c *Collator) Collated() []RSADigest {
	if !c.isCollated {
		panic("votecollate: Collated called before Collate")
	}
	return append([]RSADigest(nil), c.collated...)
}

// Len returns how many identities are in the collated list.
func (c *Collator) Len() int {
	if !c.isCollated {
		panic("votecollate: Len called before Collate")
	}
	return len(c.collated)
}
