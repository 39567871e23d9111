package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerstream/internal/media"
	"github.com/BioHazard786/peerstream/internal/peer"
	"github.com/BioHazard786/peerstream/internal/signaling"
	"github.com/BioHazard786/peerstream/internal/ui"
)

const defaultStreamerName = "Streamer"

var (
	flagScreen          string
	flagStreamMic       string
	flagStreamName      string
	flagStreamRecordDir string
)

var streamCmd = &cobra.Command{
	Use:     "stream",
	Aliases: []string{"s"},
	Short:   "Start a stream and share the room link",
	Long: `Create a room and stream a screen recording to everyone who joins it.

The screen is read from a VP8 IVF file and the optional microphone from an
Ogg/Opus file; both loop until the stream ends.

Examples:
  peerstream stream --screen demo.ivf
  peerstream stream --screen demo.ivf --mic voice.ogg --name Alice
  peerstream stream --screen demo.ivf --record-dir ./guests`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd)
	},
}

func init() {
	f := streamCmd.Flags()
	f.StringVar(&flagScreen, "screen", "", "VP8 IVF file used as the screen capture (required)")
	f.StringVar(&flagStreamMic, "mic", "", "Ogg/Opus file used as the microphone")
	f.StringVar(&flagStreamName, "name", defaultStreamerName, "Name shown in chat")
	f.StringVar(&flagStreamRecordDir, "record-dir", "", "Record viewer microphones into this directory")
	streamCmd.MarkFlagRequired("screen")
}

func runStream(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	screen, err := media.OpenScreen(flagScreen)
	if err != nil {
		return peer.NewError("open screen", err)
	}
	local := media.Group{screen}
	sources := []string{ui.IconScreen + " " + filepath.Base(flagScreen)}

	mic := openMicrophone(flagStreamMic)
	if mic != nil {
		local = append(local, mic)
		sources = append(sources, ui.IconMic+" "+filepath.Base(flagStreamMic))
	}

	sp := ui.NewWaitingSpinner("Creating room...")
	sp.Start()
	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	room, err := signaling.CreateRoom(ctx, nil, cfg.CreateRoomURL())
	cancel()
	if err != nil {
		sp.Error("Could not create a room")
		local.Stop()
		return err
	}
	sp.Stop()

	name := flagStreamName
	if name == "" {
		name = defaultStreamerName
	}

	fmt.Println(ui.RoomInfo{
		RoomID:   room,
		RoomLink: cfg.RoomLink(room),
		Name:     name,
		Sources:  sources,
	}.View())
	fmt.Println()

	return runSession(cmd.Context(), sessionParams{
		cfg:       cfg,
		role:      peer.RoleStreamer,
		room:      room,
		name:      name,
		local:     local,
		mic:       mic,
		recordDir: flagStreamRecordDir,
	})
}
