// Package bridge maintains persistent per-room links from an edge
// application to a relay server, carrying CRDT sync and awareness
// traffic in both directions with backoff-governed reconnection.
package bridge

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// Outer frame tags. Every binary frame on the relay link starts with one.
const (
	OuterSync      uint64 = 0
	OuterAwareness uint64 = 1
)

// Inner sync-protocol tags (present when the outer tag is OuterSync).
const (
	SyncStateVector uint64 = 0 // state-vector exchange (step 1)
	SyncStateDiff   uint64 = 1 // state-diff response (step 2)
	SyncUpdate      uint64 = 2 // incremental update
)

// Frame size caps enforced by the transport.
const (
	MaxSyncFrameBytes    = 10 << 20 // sync payloads
	MaxControlFrameBytes = 1 << 20  // control / JSON messages
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrFrameTruncated = errors.New("frame truncated")
)

// EncodeOuter prefixes body with the outer tag. The body bytes are
// opaque: for sync frames they are the CRDT library's inner message
// (inner tag included), for awareness frames the raw awareness payload.
func EncodeOuter(tag uint64, body []byte) []byte {
	buf := make([]byte, 0, varint.UvarintSize(tag)+len(body))
	buf = append(buf, varint.ToUvarint(tag)...)
	return append(buf, body...)
}

// DecodeOuter splits a frame into its outer tag and body.
func DecodeOuter(frame []byte) (tag uint64, body []byte, err error) {
	if len(frame) > MaxSyncFrameBytes+varint.MaxLenUvarint63 {
		return 0, nil, ErrFrameTooLarge
	}
	tag, n, err := varint.FromUvarint(frame)
	if err != nil {
		return 0, nil, fmt.Errorf("bad outer tag: %w", err)
	}
	return tag, frame[n:], nil
}

// EncodeSync builds a complete sync frame: outer sync tag, inner
// sync-protocol tag, payload.
func EncodeSync(inner uint64, payload []byte) []byte {
	body := make([]byte, 0, varint.UvarintSize(inner)+len(payload))
	body = append(body, varint.ToUvarint(inner)...)
	body = append(body, payload...)
	return EncodeOuter(OuterSync, body)
}

// EncodeAwareness builds a complete awareness frame.
func EncodeAwareness(payload []byte) []byte {
	return EncodeOuter(OuterAwareness, payload)
}

// DecodeInner splits a sync body into its inner tag and payload.
func DecodeInner(body []byte) (inner uint64, payload []byte, err error) {
	inner, n, err := varint.FromUvarint(body)
	if err != nil {
		return 0, nil, fmt.Errorf("bad inner tag: %w", err)
	}
	if n > len(body) {
		return 0, nil, ErrFrameTruncated
	}
	return inner, body[n:], nil
}
