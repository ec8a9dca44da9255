package domain

// LinkState is the lifecycle of one client-side peer link.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkReconnecting LinkState = "reconnecting"
	LinkDisconnected LinkState = "disconnected"
	LinkClosed       LinkState = "closed"
)

// PeerState is the monitor's view of a peer. PeerUnknown precedes the first probe.
type PeerState string

const (
	PeerUnknown      PeerState = "unknown"
	PeerConnected    PeerState = "connected"
	PeerReconnecting PeerState = "reconnecting"
	PeerDisconnected PeerState = "disconnected"
)
