// Package session implements the negotiation core of a two-party media
// session: role assignment, the offer/answer/candidate state machine, and
// connection lifecycle tracking. It drives a pion PeerConnection and talks
// to the outside world only through the signal bus and the media interfaces.
package session

// Role is the local participant's position in the session. Exactly one value
// holds at a time; it changes only through StartAsInitiator, JoinAsResponder
// and EndSession.
type Role string

const (
	RoleIdle      Role = "Idle"
	RoleInitiator Role = "Initiator"
	RoleResponder Role = "Responder"
)

// State is the negotiation state machine's position.
type State string

const (
	StateIdle           State = "Idle"
	StateAwaitingAnswer State = "AwaitingAnswer" // Initiator, offer sent
	StateAwaitingOffer  State = "AwaitingOffer"  // Responder, listening
	StateNegotiating    State = "Negotiating"    // remote description being applied / applied
	StateConnected      State = "Connected"
	StateClosed         State = "Closed" // terminal for the epoch; re-enter via a fresh start
)
