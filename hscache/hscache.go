// Package hscache implements the directory-side cache of v3 hidden-service
// descriptors: a blinded-public-key-keyed map with revision-counter
// replacement, a lifetime sweep, and an out-of-memory eviction loop that
// steps its age threshold by RendPostPeriod. Grounded on hs_cache.c's
// hs_cache_store_as_dir/hs_cache_clean_as_dir/hs_cache_handle_oom, since
// the teacher repo's own directory.Cache is a client-side on-disk
// consensus/microdescriptor cache with no blinded-key or revision-counter
// concept to generalize from; the struct-with-methods and fmt.Errorf-wrap
// style is carried over from that package regardless.
package hscache

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/oniondir/hsdesc3/hsdesc"
)

// entryOverhead and plaintextOverhead stand in for the C source's
// sizeof(hs_cache_dir_descriptor_t) and sizeof(hs_descriptor_t): Go has no
// direct sizeof equivalent for accounting purposes, so a fixed estimate is
// used for the portion of an entry's footprint that isn't proportional to
// its descriptor text.
const (
	entryOverhead     = 56
	plaintextOverhead = 128
)

// ErrorKind classifies a cache operation failure.
type ErrorKind int

const (
	KindNotInitialized ErrorKind = iota
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotInitialized:
		return "cache not initialized"
	case KindMalformed:
		return "malformed descriptor"
	default:
		return "unknown error"
	}
}

// Error reports a cache operation failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Entry is one cached descriptor, keyed by its blinded public key (spec
// §3 "Cache entry (directory side)").
type Entry struct {
	Key         [32]byte
	CreatedTS   int64 // monotonic seconds, per Store's "now" argument
	Plaintext   *hsdesc.Descriptor
	EncodedText string
}

func (e *Entry) sizeBytes() int64 {
	return int64(entryOverhead + plaintextOverhead + len(e.Plaintext.SuperencryptedBlob) + len(e.EncodedText))
}

// Cache is the blinded-key-keyed directory cache. The zero value is not
// usable; call Init first.
type Cache struct {
	entries     map[[32]byte]*Entry
	initialized bool

	// Alloc is the shared allocation counter this cache participates in
	// alongside the legacy v2 cache (spec §4.8). Nil means "don't track".
	Alloc *int64

	Logger *slog.Logger
}

// Init prepares c for use. Calling Init twice is a fatal invariant
// violation (spec §4.8 "double-init is a fatal invariant violation"),
// matching the source's assertion that init-when-present is a bug, not a
// recoverable condition.
func (c *Cache) Init() {
	if c.initialized {
		panic("hscache: Init called on an already-initialized cache")
	}
	c.entries = make(map[[32]byte]*Entry)
	c.initialized = true
}

// FreeAll tears down every entry and returns c to the pre-Init state, so a
// subsequent Init is legal.
func (c *Cache) FreeAll() {
	for _, e := range c.entries {
		c.addAlloc(-e.sizeBytes())
	}
	c.entries = nil
	c.initialized = false
}

func (c *Cache) addAlloc(delta int64) {
	if c.Alloc != nil {
		*c.Alloc += delta
	}
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Store parses text's plaintext envelope only (a directory authority never
// holds client subcredentials, so it cannot decrypt) and admits it if no
// entry exists for its blinded key, or the existing entry's revision
// counter is strictly less than the new one. A stale or malformed
// descriptor is rejected; rejection of a stale revision is not an error —
// it returns (false, nil), matching spec §7's NotNewer "silently ignore".
func (c *Cache) Store(text string, now time.Time) (stored bool, err error) {
	if !c.initialized {
		return false, &Error{Kind: KindNotInitialized, Msg: "Store called before Init"}
	}

	var zeroSubcred [32]byte
	d, err := hsdesc.Decode(text, zeroSubcred, now)
	if err != nil {
		return false, &Error{Kind: KindMalformed, Msg: "parse plaintext envelope", Err: err}
	}

	entry := &Entry{
		Key:         d.BlindedPubkey,
		CreatedTS:   now.Unix(),
		Plaintext:   d,
		EncodedText: text,
	}

	existing, ok := c.entries[d.BlindedPubkey]
	if ok && existing.Plaintext.RevisionCounter >= d.RevisionCounter {
		c.logger().Debug("hscache: rejecting stale revision", "blinded_key", base64Key(d.BlindedPubkey), "have", existing.Plaintext.RevisionCounter, "got", d.RevisionCounter)
		return false, nil
	}

	var oldSize int64
	if ok {
		oldSize = existing.sizeBytes()
	}
	c.entries[d.BlindedPubkey] = entry
	c.addAlloc(entry.sizeBytes() - oldSize)
	c.logger().Info("hscache: stored descriptor", "blinded_key", base64Key(d.BlindedPubkey), "revision_counter", d.RevisionCounter)
	return true, nil
}

// Lookup decodes query as the unpadded base64 encoding of a 32-byte
// blinded public key and returns the matching entry's original text.
// Malformed queries return ("", false), not an error (spec §4.8).
func (c *Cache) Lookup(query string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(query)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	var key [32]byte
	copy(key[:], raw)

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return e.EncodedText, true
}

// Clean removes every entry whose CreatedTS predates
// now - entry.LifetimeSec, decrementing the allocation counter for each.
// Returns the number of entries removed.
func (c *Cache) Clean(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		expiry := time.Unix(e.CreatedTS, 0).Add(time.Duration(e.Plaintext.LifetimeSec) * time.Second)
		if now.After(expiry) {
			c.addAlloc(-e.sizeBytes())
			delete(c.entries, key)
			removed++
			c.logger().Debug("hscache: swept expired entry", "blinded_key", base64Key(key))
		}
	}
	return removed
}

// HandleOOM frees cache entries under memory pressure. It starts K at the
// maximum possible descriptor lifetime and repeatedly removes entries
// older than now-K, decrementing K by rendPostPeriod each round, until
// either minBytes have been freed or K goes negative. It always returns,
// even having freed less than minBytes (spec §4.8, grounded on
// hs_cache_handle_oom's stepping loop).
func (c *Cache) HandleOOM(now time.Time, minBytes int64, rendPostPeriod int64) int64 {
	if rendPostPeriod <= 0 {
		rendPostPeriod = 3600
	}

	var freed int64
	k := int64(hsdesc.MaxLifetimeMinutes) * 60
	for freed < minBytes && k >= 0 {
		cutoff := now.Add(-time.Duration(k) * time.Second)
		for key, e := range c.entries {
			if time.Unix(e.CreatedTS, 0).Before(cutoff) {
				freed += e.sizeBytes()
				c.addAlloc(-e.sizeBytes())
				delete(c.entries, key)
			}
		}
		k -= rendPostPeriod
	}
	c.logger().Info("hscache: OOM eviction finished", "bytes_freed", freed, "min_bytes", minBytes)
	return freed
}

// Len reports how many entries the cache currently holds.
func (c *Cache) Len() int { return len(c.entries) }

func base64Key(key [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}
