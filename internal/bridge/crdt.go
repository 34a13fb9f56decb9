package bridge

// OriginRelay tags updates and awareness states that arrived over the
// relay link. The bridge never re-echoes traffic carrying this origin,
// which is what prevents forwarding loops.
const OriginRelay = "relay"

// Doc is the bridge's view of the local CRDT engine. The engine itself
// is external; the bridge only moves its opaque sync-protocol bytes.
//
// Message bytes passed across this boundary are inner sync-protocol
// messages: the inner tag (state-vector / state-diff / update) followed
// by the engine payload. The bridge adds and strips the outer tag.
type Doc interface {
	// StateVectorMessage returns the inner step-1 message seeded from
	// current local state, sent immediately after a connection opens.
	StateVectorMessage() []byte

	// ReadSyncMessage processes one inbound inner message. A non-nil
	// reply is an inner message the engine wants returned to the relay
	// (the bridge prefixes the outer sync tag before sending).
	ReadSyncMessage(msg []byte) (reply []byte, err error)

	// OnUpdate subscribes to locally produced incremental updates.
	// The returned function unbinds exactly this subscription.
	OnUpdate(fn func(update []byte, origin string)) (unbind func())
}

// Awareness is the bridge's view of the local presence store.
type Awareness interface {
	// LocalState encodes the self client's current awareness payload.
	// A nil return means nothing to announce yet.
	LocalState() []byte

	// Apply merges a remote awareness payload, tagged with its origin.
	Apply(payload []byte, origin string) error

	// OnChange subscribes to local awareness changes. The returned
	// function unbinds exactly this subscription.
	OnChange(fn func(payload []byte, origin string)) (unbind func())
}
