package domain

// ConnectionState is the single reconciled connectivity status exposed to the
// rest of the system. It is derived from the two raw transport signals below
// and is distinct from either of them.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// ICEConnectionState is the raw ICE-connectivity vocabulary reported by the
// media transport
type ICEConnectionState string

const (
	ICENew          ICEConnectionState = "new"
	ICEChecking     ICEConnectionState = "checking"
	ICEConnected    ICEConnectionState = "connected"
	ICECompleted    ICEConnectionState = "completed"
	ICEDisconnected ICEConnectionState = "disconnected"
	ICEFailed       ICEConnectionState = "failed"
	ICEClosed       ICEConnectionState = "closed"
)

// PeerConnectionState is the raw overall peer-connection vocabulary reported
// by the media transport
type PeerConnectionState string

const (
	PeerNew          PeerConnectionState = "new"
	PeerConnecting   PeerConnectionState = "connecting"
	PeerConnected    PeerConnectionState = "connected"
	PeerDisconnected PeerConnectionState = "disconnected"
	PeerFailed       PeerConnectionState = "failed"
	PeerClosed       PeerConnectionState = "closed"
)
