package meshnet

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Well-known rendezvous strings. Changing either is a network-wide
// protocol break: nodes hashing different strings land on disjoint
// DHT topics and never discover one another.
const (
	MeshTopicV1          = "nightjar-mesh-v1"
	WorkspaceTopicPrefix = "nightjar-workspace:"
)

// TokenValidity is how long an announcement token stays valid after issue.
const TokenValidity = 10 * time.Minute

// Topic is a 32-byte rendezvous key. Opaque on the wire; the workspace
// identifier cannot be recovered from the digest alone.
type Topic [32]byte

// Hex returns the lowercase hex encoding used in wire messages.
func (t Topic) Hex() string {
	return hex.EncodeToString(t[:])
}

// Namespace returns the DHT rendezvous namespace for this topic.
func (t Topic) Namespace() string {
	return "nightjar/" + t.Hex()
}

// MeshTopic returns the single rendezvous topic all relays join.
func MeshTopic() Topic {
	return sha256.Sum256([]byte(MeshTopicV1))
}

// WorkspaceTopic derives the per-room rendezvous topic. Any non-empty
// byte sequence is a valid workspace ID; the hash absorbs it.
func WorkspaceTopic(id string) (Topic, error) {
	if id == "" {
		return Topic{}, fmt.Errorf("workspace ID cannot be empty")
	}
	return sha256.Sum256([]byte(WorkspaceTopicPrefix + id)), nil
}

// GenerateNodeID returns 32 random bytes, hex-encoded for transmission.
// Stable for process lifetime; callers may persist it across restarts.
func GenerateNodeID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate node ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidNodeID reports whether s is a 64-char lowercase hex node ID.
func ValidNodeID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// AnnouncementToken binds a relay announcement to the IP that requested
// it, preventing replay from another host.
type AnnouncementToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func deriveToken(ip, secret string, issuedAtMs int64) [32]byte {
	return sha256.Sum256([]byte(ip + ":" + secret + ":" + strconv.FormatInt(issuedAtMs, 10)))
}

// IssueToken derives a fresh announcement token for the given IP.
func IssueToken(ip, secret string) AnnouncementToken {
	now := time.Now()
	sum := deriveToken(ip, secret, now.UnixMilli())
	return AnnouncementToken{
		Token:     hex.EncodeToString(sum[:]),
		IssuedAt:  now,
		ExpiresAt: now.Add(TokenValidity),
	}
}

// VerifyToken re-derives the digest for (ip, secret, issuedAt) and
// compares in constant time. Valid only within the validity window.
func VerifyToken(token, ip, secret string, issuedAt time.Time) bool {
	if time.Now().After(issuedAt.Add(TokenValidity)) {
		return false
	}
	want := deriveToken(ip, secret, issuedAt.UnixMilli())
	got, err := hex.DecodeString(token)
	if err != nil || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want[:]) == 1
}
