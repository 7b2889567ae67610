// xrcall: CLI entry point.
//
// Joins a two-party video call through a WebSocket signaling relay. Local
// camera and microphone are stood in for by an IVF and an Ogg file; received
// media can be recorded to a directory. The call is driven from an
// interactive menu.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/xrcall/internal/call"
	"github.com/1ureka/xrcall/internal/config"
	"github.com/1ureka/xrcall/internal/media"
	"github.com/1ureka/xrcall/internal/negotiation"
	"github.com/1ureka/xrcall/internal/signaling"
	"github.com/1ureka/xrcall/internal/transport"
	"github.com/1ureka/xrcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	relayURL := pflag.String("relay", "", "Signaling relay URL (ws:// or wss://)")
	clientID := pflag.String("id", "", "Client identifier used in logs")
	camera := pflag.String("camera", "", "IVF (VP8) file used as the camera")
	microphone := pflag.String("microphone", "", "Ogg (Opus) file used as the microphone")
	recordDir := pflag.String("record", "", "Directory receiving remote.ivf and remote.ogg")
	stunServers := pflag.StringSlice("stun", nil, "STUN server URLs")
	dataChannel := pflag.Bool("datachannel", false, "Create the test data channel")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	changed := pflag.CommandLine.Changed
	if changed("relay") {
		cfg.RelayURL = *relayURL
	}
	if changed("id") {
		cfg.ClientID = *clientID
	}
	if changed("camera") {
		cfg.CameraFile = *camera
	}
	if changed("microphone") {
		cfg.MicrophoneFile = *microphone
	}
	if changed("record") {
		cfg.RecordDir = *recordDir
	}
	if changed("stun") {
		cfg.STUNServers = *stunServers
	}
	if changed("datachannel") {
		cfg.DataChannel = *dataChannel
	}
	if changed("debug") {
		cfg.Debug = *debugMode
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("xrcall v%s (%s)", version, cfg.ClientID))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("call closed")
}

// run connects to the relay, wires the session and serves the menu until the
// user quits or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log := util.NewLogger(cfg.ClientID)
	preview := &media.Recorder{}

	session, err := newSession(cfg, log, preview)
	if err != nil {
		return err
	}
	defer session.Teardown()

	util.LogInfo("connecting to %s", cfg.RelayURL)
	socket, err := signaling.Dial(ctx, cfg.RelayURL, cfg.UserAgent)
	if err != nil {
		return err
	}

	opts := transport.Options{
		STUNServers: cfg.STUNServers,
		DataChannel: cfg.DataChannel,
		Log:         log,
	}
	factory := func(ev negotiation.Events) (negotiation.Engine, error) {
		return transport.New(opts, ev)
	}

	machine := negotiation.New(factory, socket, session.Hooks(), log)
	session.Attach(machine, socket)
	socket.Serve(machine)

	util.StartStatsReporter(ctx)
	util.LogSuccess("connected to relay, waiting for the remote peer")

	menu(ctx, session, socket.Done(), preview)
	return nil
}

func newSession(cfg *config.Config, log *util.Logger, preview *media.Recorder) (*call.Session, error) {
	opts := call.Options{
		Preview: preview,
		Log:     log,
		OnStateChange: func(_, to negotiation.State) {
			log.Info("negotiation state: %s", to)
		},
	}

	if cam, err := media.OpenCamera(cfg.CameraFile, cfg.VideoWidth, cfg.VideoHeight); err == nil {
		opts.Camera = cam
		log.Debug("camera source %s", cfg.CameraFile)
	} else if !errors.Is(err, media.ErrNoDevice) {
		return nil, err
	}

	if mic, err := media.OpenMicrophone(cfg.MicrophoneFile); err == nil {
		opts.Microphone = mic
	} else if !errors.Is(err, media.ErrNoDevice) {
		return nil, err
	}

	video, err := media.NewVideoSink(cfg.RecordDir)
	if err != nil {
		return nil, err
	}
	audio, err := media.NewAudioSink(cfg.RecordDir)
	if err != nil {
		video.Close()
		return nil, err
	}
	opts.VideoSink = video
	opts.AudioSink = audio

	return call.NewSession(opts), nil
}
