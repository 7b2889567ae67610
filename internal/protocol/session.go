package protocol

import (
	"encoding/json"
	"fmt"
)

// Session types carried in SessionDescriptor.SessionType.
const (
	SessionTypeOffer  = "offer"
	SessionTypeAnswer = "answer"
)

// SessionDescriptor is an SDP offer or answer as sent on the wire.
// SDP is opaque once captured from the media engine and must be forwarded
// verbatim.
type SessionDescriptor struct {
	SessionType string `json:"sessionType"`
	SDP         string `json:"sdp"`
}

// CandidateInit is a trickled ICE candidate as sent on the wire.
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// JSON serializes the descriptor to a flat JSON object.
func (d SessionDescriptor) JSON() string {
	data, _ := json.Marshal(d)
	return string(data)
}

// ParseSessionDescriptor decodes a descriptor payload. Field names are
// matched case-insensitively, so both "sdp" and "Sdp" are accepted.
func ParseSessionDescriptor(payload string) (SessionDescriptor, error) {
	var d SessionDescriptor
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return SessionDescriptor{}, fmt.Errorf("failed to parse session descriptor: %w", err)
	}
	return d, nil
}

// JSON serializes the candidate to a flat JSON object.
func (c CandidateInit) JSON() string {
	data, _ := json.Marshal(c)
	return string(data)
}

// Key identifies a candidate for duplicate detection.
func (c CandidateInit) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.SDPMid, c.Candidate, c.SDPMLineIndex)
}

// ParseCandidateInit decodes a candidate payload. A missing sdpMLineIndex
// decodes as 0.
func ParseCandidateInit(payload string) (CandidateInit, error) {
	var c CandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return CandidateInit{}, fmt.Errorf("failed to parse ICE candidate: %w", err)
	}
	return c, nil
}

// EncodeOffer, EncodeAnswer and EncodeCandidate build complete wire messages.

func EncodeOffer(d SessionDescriptor) string {
	return Encode(KindOffer, d.JSON())
}

func EncodeAnswer(d SessionDescriptor) string {
	return Encode(KindAnswer, d.JSON())
}

func EncodeCandidate(c CandidateInit) string {
	return Encode(KindCandidate, c.JSON())
}
