package meshnet

import (
	"time"

	"github.com/zeebo/blake3"
)

const (
	// dedupTTL is how long a fingerprint suppresses exact duplicates.
	dedupTTL = 30 * time.Second

	// dedupCapacity bounds the per-peer ring. At typical mesh chatter
	// (a few frames per second) this covers well past the TTL window.
	dedupCapacity = 256
)

// dedupEntry is one observed message fingerprint.
type dedupEntry struct {
	key  [16]byte
	seen time.Time
}

// dedupWindow suppresses exact duplicate frames per peer. It is owned by
// that peer's read loop and therefore needs no locking. The key is
// BLAKE3(type || 0x00 || payload) truncated to 16 bytes: two messages
// differing in any byte always map to distinct keys.
type dedupWindow struct {
	ring []dedupEntry
	next int
	now  func() time.Time
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{
		ring: make([]dedupEntry, 0, dedupCapacity),
		now:  time.Now,
	}
}

// fingerprint hashes (type, payload) into a dedup key.
func fingerprint(msgType string, payload []byte) [16]byte {
	h := blake3.New()
	h.Write([]byte(msgType))
	h.Write([]byte{0})
	h.Write(payload)
	var key [16]byte
	copy(key[:], h.Sum(nil))
	return key
}

// bypassDedup lists frame types that must never be suppressed.
// Heartbeats are intentionally identical on the wire; suppressing them
// would starve the liveness check.
func bypassDedup(msgType string) bool {
	return msgType == MsgPing || msgType == MsgPong
}

// observe records a frame and reports whether it is a duplicate of one
// seen within the TTL window.
func (w *dedupWindow) observe(msgType string, payload []byte) bool {
	if bypassDedup(msgType) {
		return false
	}

	key := fingerprint(msgType, payload)
	now := w.now()
	cutoff := now.Add(-dedupTTL)

	for i := range w.ring {
		if w.ring[i].key == key && w.ring[i].seen.After(cutoff) {
			w.ring[i].seen = now
			return true
		}
	}

	if len(w.ring) < dedupCapacity {
		w.ring = append(w.ring, dedupEntry{key: key, seen: now})
		return false
	}
	w.ring[w.next] = dedupEntry{key: key, seen: now}
	w.next = (w.next + 1) % dedupCapacity
	return false
}
