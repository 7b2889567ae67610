package protocol

import "strings"

// Encode builds the wire text for a message: kind name, delimiter, payload.
// KindOther has no prefix on the wire, so its payload is returned verbatim.
func Encode(kind Kind, payload string) string {
	if kind == KindOther {
		return payload
	}
	return kind.String() + Delimiter + payload
}

// Decode parses raw wire text. It never fails: text without a recognized
// "KIND!" prefix decodes to KindOther carrying the whole raw string.
//
// The split happens on the first delimiter, the rest is the payload.
func Decode(raw string) Message {
	prefix, payload, found := strings.Cut(raw, Delimiter)
	if !found {
		return Message{Kind: KindOther, Payload: raw}
	}

	switch prefix {
	case "OFFER":
		return Message{Kind: KindOffer, Payload: payload}
	case "ANSWER":
		return Message{Kind: KindAnswer, Payload: payload}
	case "CANDIDATE":
		return Message{Kind: KindCandidate, Payload: payload}
	default:
		return Message{Kind: KindOther, Payload: raw}
	}
}
