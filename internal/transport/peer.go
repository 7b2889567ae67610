package transport

import (
	"github.com/pion/webrtc/v4"
)

// dataChannelLabel is the label of the optional test data channel.
const dataChannelLabel = "sendChannel"

// newPeerConnection creates a PeerConnection using the given STUN servers.
// No TURN: media flows directly between the two peers or not at all.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: stunServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the ordered test data channel. Creating it makes
// the peer connection request negotiation.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	return pc.CreateDataChannel(dataChannelLabel, nil)
}
