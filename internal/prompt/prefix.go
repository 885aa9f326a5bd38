package prompt

import (
	"encoding/hex"
	"fmt"
)

// Message is a minimal chat turn used only to compute cache keys; the full
// message shape (with pair ids, etc.) lives in internal/history.
type Message struct {
	Role    string
	Content string
}

// CacheKeyInputs is the split the provider cache adapter needs: a head
// (model + jsonMode + leading messages, expected to be provider-cacheable)
// and a tail (the remaining, dynamic messages).
type CacheKeyInputs struct {
	Model    string
	JSONMode bool
	Head     []Message
	Tail     []Message
}

// PrefixHash hashes the model, jsonMode flag, and head messages — the part
// of the request a provider-side cache can actually reuse across calls.
func PrefixHash(in CacheKeyInputs) string {
	var buf []byte
	buf = append(buf, []byte(in.Model)...)
	buf = append(buf, 0)
	if in.JSONMode {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for _, m := range in.Head {
		buf = append(buf, []byte(m.Role)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(m.Content)...)
		buf = append(buf, 0)
	}
	return hashHex(string(buf))
}

// TailHash hashes only the dynamic tail messages.
func TailHash(tail []Message) string {
	var buf []byte
	for _, m := range tail {
		buf = append(buf, []byte(m.Role)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(m.Content)...)
		buf = append(buf, 0)
	}
	return hashHex(string(buf))
}

// CacheKey combines a prefix hash and a tail hash into one provider cache
// key. It never depends on the tail's content beyond its hash, so
// stablePrefixHash-style invariance holds: changing only the tail changes
// only the second half of the input to this hash, never the first.
func CacheKey(in CacheKeyInputs) string {
	prefixHash := PrefixHash(in)
	tailHash := TailHash(in.Tail)
	return hashHex(prefixHash + tailHash)
}

// DecodeHex is a small helper for tests/telemetry that want the raw bytes
// of a hash rather than its hex string.
func DecodeHex(h string) ([]byte, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("prompt: decode hash: %w", err)
	}
	return b, nil
}
