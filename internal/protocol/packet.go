// Package protocol defines the signaling wire format exchanged between two
// peers through the relay, and the session/candidate models it carries.
package protocol

// Kind identifies the kind of a signaling message.
type Kind uint8

const (
	KindOther     Kind = iota // unrecognized prefix, payload is the raw text
	KindOffer                 // SDP offer
	KindAnswer                // SDP answer
	KindCandidate             // trickled ICE candidate
)

// Delimiter separates the kind prefix from the payload. Payloads are not
// escaped, so a payload may itself contain the delimiter.
const Delimiter = "!"

var kindNames = map[Kind]string{
	KindOther:     "OTHER",
	KindOffer:     "OFFER",
	KindAnswer:    "ANSWER",
	KindCandidate: "CANDIDATE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "OTHER"
}

// Message is a decoded signaling message. Payload is never nil-equivalent:
// an empty payload is an empty string.
type Message struct {
	Kind    Kind
	Payload string
}
