package protocol

// Message type constants for protocol envelopes.
const (
	// server -> client
	TypeHello       = "hello"
	TypeError       = "error"
	TypeOK          = "ok"
	TypePeerList    = "peer_list"
	TypeOfferResult = "offer_result"
	TypeSessionList = "session_list"
	TypeEvent       = "event"

	// client -> server
	TypeListPeers    = "list_peers"
	TypeOffer        = "offer"
	TypeRespond      = "respond"
	TypeCancel       = "cancel"
	TypeListSessions = "list_sessions"
)

// Error codes. Session failures reuse the engine's fault kind names
// (peer_unreachable, state_violation, ...).
const (
	CodeBadRequest  = "bad_request"
	CodeUnknownType = "unknown_type"
	CodeInternal    = "internal"
)

// Event kinds carried in Event.Kind.
const (
	EventPeerArrived    = "peer_arrived"
	EventPeerLost       = "peer_lost"
	EventSessionOffered = "session_offered"
	EventStateChanged   = "state_changed"
	EventProgress       = "progress"
)
