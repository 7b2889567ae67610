package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/protocol"
)

func descriptorFromPion(d webrtc.SessionDescription) protocol.SessionDescriptor {
	return protocol.SessionDescriptor{
		SessionType: d.Type.String(),
		SDP:         d.SDP,
	}
}

// descriptorToPion converts a wire descriptor. The session type is matched
// case-insensitively ("Offer" and "offer" are the same).
func descriptorToPion(d protocol.SessionDescriptor) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(strings.ToLower(d.SessionType)),
		SDP:  d.SDP,
	}
}

// candidateFromPion converts a gathered candidate. Absent mid and line index
// become "" and 0.
func candidateFromPion(init webrtc.ICECandidateInit) protocol.CandidateInit {
	c := protocol.CandidateInit{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

func candidateToPion(c protocol.CandidateInit) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := uint16(c.SDPMLineIndex)
	init.SDPMLineIndex = &idx
	return init
}
