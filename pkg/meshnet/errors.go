package meshnet

import "errors"

var (
	// ErrMuxClosed is returned by Send after the link has closed.
	ErrMuxClosed = errors.New("mux closed")

	// ErrLineTooLong marks a single frame exceeding the line cap.
	// The frame is dropped; the link stays up.
	ErrLineTooLong = errors.New("line exceeds maximum length")

	// ErrBufferOverflow marks an unframed inbound buffer exceeding the
	// cumulative cap. The link is destroyed.
	ErrBufferOverflow = errors.New("inbound buffer overflow")

	// ErrNotStarted is returned by operations that need a running participant.
	ErrNotStarted = errors.New("mesh participant not started")
)

// Close reasons reported to OnClose and carried in metrics labels.
const (
	CloseReasonShutdown         = "shutdown"
	CloseReasonPeerClose        = "peer_close"
	CloseReasonTransportError   = "transport_error"
	CloseReasonBufferOverflow   = "buffer_overflow"
	CloseReasonHeartbeatTimeout = "heartbeat_timeout"
)
