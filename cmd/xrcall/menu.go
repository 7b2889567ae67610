package main

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/1ureka/xrcall/internal/call"
	"github.com/1ureka/xrcall/internal/media"
	"github.com/1ureka/xrcall/internal/util"
)

const (
	optStart       = "Start video/audio"
	optRearm       = "Re-arm video/audio"
	optMute        = "Mute microphone"
	optUnmute      = "Unmute microphone"
	optStatus      = "Stream status"
	optDataChannel = "Send data channel test"
	optSignaling   = "Send websocket test"
	optQuit        = "Quit"
)

// menu shows the interactive menu until the user quits, the relay
// connection drops or ctx is cancelled.
func menu(ctx context.Context, session *call.Session, relayDone <-chan struct{}, preview *media.Recorder) {
	choices := make(chan string)

	go func() {
		defer close(choices)
		for {
			choice, err := pterm.DefaultInteractiveSelect.
				WithOptions([]string{optStart, optRearm, optMute, optUnmute, optStatus, optDataChannel, optSignaling, optQuit}).
				WithDefaultText("Call").
				Show()
			if err != nil {
				return
			}
			select {
			case choices <- choice:
			case <-ctx.Done():
				return
			}
			if choice == optQuit {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relayDone:
			util.LogWarning("signaling relay disconnected")
			return
		case choice, ok := <-choices:
			if !ok || choice == optQuit {
				return
			}
			handle(ctx, session, choice, preview)
		}
	}
}

func handle(ctx context.Context, session *call.Session, choice string, preview *media.Recorder) {
	switch choice {
	case optStart:
		if err := session.StartVideoAudio(); err != nil {
			util.LogError("failed to start video/audio: %v", err)
		}

	case optRearm:
		session.Rearm()
		util.LogInfo("video/audio re-armed")

	case optMute:
		session.SetMicrophoneEnabled(false)

	case optUnmute:
		session.SetMicrophoneEnabled(true)

	case optStatus:
		if msg := session.StreamStatus(); msg != "" {
			util.LogWarning("%s", msg)
		} else {
			util.LogSuccess("remote stream is live")
		}
		relayed, volume := session.Microphone()
		frames, bytes := preview.Stats()
		util.LogInfo("microphone relayed: %v, monitor volume: %d%% | local preview: %d frames (%d bytes)",
			relayed, volume, frames, bytes)

	case optDataChannel:
		if err := session.SendDataChannelMessage(call.DataChannelTestMessage); err != nil {
			util.LogError("failed to send data channel test: %v", err)
		}

	case optSignaling:
		if err := session.SendSignalingTest(ctx); err != nil {
			util.LogError("failed to send websocket test: %v", err)
		}
	}

	pterm.Println()
}
