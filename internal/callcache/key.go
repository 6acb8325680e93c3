// ABOUTME: Cache key derivation from target, canonicalized arguments, and
// ABOUTME: caller scope, hashed with BLAKE3 to a fixed-width hex string.

package callcache

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Key derives the cache key for a call. Arguments are canonicalized by a
// JSON round-trip (object keys re-marshal in sorted order), so semantically
// identical payloads with different key order or whitespace share an entry.
// The caller identity is mixed in only for caller-scoped targets.
func Key(target string, args json.RawMessage, caller string, callerScoped bool) string {
	h := blake3.New()
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write(canonicalize(args))
	if callerScoped {
		h.Write([]byte{0})
		h.Write([]byte(caller))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(args json.RawMessage) []byte {
	if len(args) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		// Unparseable arguments hash as-is; the connector will reject them.
		return args
	}
	out, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return out
}
