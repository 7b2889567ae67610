package media

import (
	"github.com/pion/webrtc/v4"
)

// StreamID groups the local tracks of one client into a single media
// stream on the remote side.
const StreamID = "xrcall"

// NewVideoTrack creates the local VP8 camera track.
func NewVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", StreamID)
}

// NewAudioTrack creates the local Opus microphone track.
func NewAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", StreamID)
}
