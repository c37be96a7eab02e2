package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"time"
)

// ErrMiss is returned when the key holds no entry. An unreachable
// backend is also reported as a miss by implementations: the cache is
// an optimization and must never fail a pipeline step.
var ErrMiss = errors.New("cache miss")

// Default TTLs per step family
const (
	TranscribeTTL = 48 * time.Hour
	EnrichTTL     = 24 * time.Hour
)

// Cache stores step results keyed by content digests. Values are JSON.
type Cache interface {
	Get(ctx context.Context, key string, out any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Key derives the cache key for a step invocation. The config subset is
// canonicalized by sorting keys so that map iteration order cannot
// change the digest.
func Key(step, fingerprint string, cfg map[string]any) string {
	h := sha256.New()
	h.Write([]byte(step))
	h.Write([]byte{':'})
	h.Write([]byte(fingerprint))
	h.Write([]byte{':'})
	h.Write([]byte(canonicalJSON(cfg)))
	return step + ":" + hex.EncodeToString(h.Sum(nil))
}

// AudioFingerprint digests raw audio bytes. CRC32 matches the original
// keying scheme so warm caches survive upgrades; the collision risk is
// acceptable because keys also carry the step config.
func AudioFingerprint(data []byte) string {
	return fmt.Sprintf("crc32:%08x", crc32.ChecksumIEEE(data))
}

// ContentFingerprint digests a JSON-serializable intermediate value,
// used for everything downstream of the audio step.
func ContentFingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Marshal failures on our own types do not happen; degrade to a
		// never-matching fingerprint rather than panic.
		return "json:unmarshalable"
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// canonicalJSON renders cfg with sorted keys and no extra whitespace
func canonicalJSON(cfg map[string]any) string {
	if len(cfg) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		b.Write(kj)
		b.WriteByte(':')
		vj, err := json.Marshal(cfg[k])
		if err != nil {
			vj = []byte("null")
		}
		b.Write(vj)
	}
	b.WriteByte('}')
	return b.String()
}
