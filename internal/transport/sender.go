package transport

import (
	"github.com/pion/webrtc/v4"
)

// rtcpBufferSize fits one MTU-sized RTCP compound packet.
const rtcpBufferSize = 1500

// drainRTCP reads and discards RTCP for an outgoing track. Reading is what
// lets the interceptors (NACK, reports) process feedback; it returns once
// the sender is stopped or the peer connection closes.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtcpBufferSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
