// Package negotiation sequences the offer/answer/candidate handshake between
// the signaling socket and the WebRTC engine.
package negotiation

// State is the negotiation state of the session's peer connection.
type State int32

const (
	StateIdle          State = iota // no peer connection yet
	StateAwaitingOffer              // peer connection built, nothing exchanged
	StateOfferSent                  // local offer transmitted, answer outstanding
	StateAwaitingAnswer             // local offer applied, being transmitted
	StateAnswerSent                 // remote offer applied, answer transmitted
	StateConnected                  // offer/answer settled (ICE may still be checking)
	StateDisconnected               // ICE disconnected, failed or closed
	StateClosed                     // torn down, terminal
)

var stateNames = [...]string{
	StateIdle:           "Idle",
	StateAwaitingOffer:  "AwaitingOffer",
	StateOfferSent:      "OfferSent",
	StateAwaitingAnswer: "AwaitingAnswer",
	StateAnswerSent:     "AnswerSent",
	StateConnected:      "Connected",
	StateDisconnected:   "Disconnected",
	StateClosed:         "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// canOffer reports whether a local offer may start from s.
func (s State) canOffer() bool {
	switch s {
	case StateAwaitingOffer, StateAnswerSent, StateConnected, StateDisconnected:
		return true
	}
	return false
}
