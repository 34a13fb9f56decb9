package relay

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// AuthPolicy selects how a room admits subscribers.
type AuthPolicy string

const (
	// AuthOpen admits anyone who knows the room ID.
	AuthOpen AuthPolicy = "open"

	// AuthHMACToken requires ?auth=<token> on the join URL, where the
	// token is the hex HMAC-SHA256 of the room ID under the room secret.
	AuthHMACToken AuthPolicy = "hmac_token"

	// AuthOwnerGated requires an Ed25519 signature from the room owner
	// over room_id || client_pubkey || timestamp_ms.
	AuthOwnerGated AuthPolicy = "owner_gated"
)

// ownerSigSkew bounds how stale an owner-gated join signature may be in
// either direction.
const ownerSigSkew = 5 * time.Minute

var (
	ErrTokenMismatch  = errors.New("auth token mismatch")
	ErrSignatureStale = errors.New("join signature outside validity window")
	ErrBadSignature   = errors.New("join signature invalid")
)

// RoomToken derives the join token for an hmac_token room.
func RoomToken(roomID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(roomID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyRoomToken checks a presented token in constant time.
func verifyRoomToken(roomID, token string, secret []byte) error {
	want := RoomToken(roomID, secret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// ownerSignedBytes builds the canonical byte string an owner signs to
// admit a client: room_id || client_pubkey || timestamp_ms (big-endian).
func ownerSignedBytes(roomID string, clientPub []byte, timestampMs int64) []byte {
	buf := make([]byte, 0, len(roomID)+len(clientPub)+8)
	buf = append(buf, roomID...)
	buf = append(buf, clientPub...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampMs))
	return buf
}

// verifyOwnerGrant checks an owner-gated join: the signature must cover
// the canonical bytes, verify against the room owner key, and carry a
// timestamp within the skew window.
func verifyOwnerGrant(roomID string, ownerKey ed25519.PublicKey, clientPub, sig []byte, timestampMs int64) error {
	if len(ownerKey) != ed25519.PublicKeySize {
		return fmt.Errorf("owner key has wrong length %d", len(ownerKey))
	}
	ts := time.UnixMilli(timestampMs)
	if d := time.Since(ts); d > ownerSigSkew || d < -ownerSigSkew {
		return ErrSignatureStale
	}
	if !ed25519.Verify(ownerKey, ownerSignedBytes(roomID, clientPub, timestampMs), sig) {
		return ErrBadSignature
	}
	return nil
}
