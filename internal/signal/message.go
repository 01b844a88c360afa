// Package signal implements the out-of-band signaling bus used to negotiate
// a peer-to-peer session: the message envelope, an in-process hub for
// same-process participants, and a WebSocket relay for remote ones.
package signal

import "encoding/json"

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindOffer     Kind = "Offer"
	KindAnswer    Kind = "Answer"
	KindCandidate Kind = "Candidate"
)

// Message is the envelope exchanged on the signaling channel.
//
// Payload is opaque to the bus: an SDP description for Offer/Answer, a
// JSON-encoded ICE candidate for Candidate. SenderRole is diagnostic only;
// receivers rely on channel demultiplexing, not on the sender field.
type Message struct {
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	SenderRole string          `json:"senderRole"`
}
