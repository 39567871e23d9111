package cmd

import (
	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerstream/internal/config"
	"github.com/BioHazard786/peerstream/internal/media"
	"github.com/BioHazard786/peerstream/internal/peer"
	"github.com/BioHazard786/peerstream/internal/signaling"
	"github.com/BioHazard786/peerstream/internal/ui"
)

var (
	flagJoinName      string
	flagJoinMic       string
	flagJoinRecordDir string
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id|link>",
	Aliases: []string{"j"},
	Short:   "Join a stream as a viewer",
	Long: `Join a room as a viewer. The room can be given as a bare id or as the link
the streamer shared.

Examples:
  peerstream join 1f0c3a7e-5b7d-4d3c-9a51-0c1f5f6f2a10
  peerstream join "https://peerstream.example/?room=1f0c3a7e-..." --name Bob
  peerstream join <room> --mic voice.ogg --record-dir ./stream`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd, args[0])
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagJoinName, "name", signaling.DefaultViewerName, "Name shown to the streamer and in chat")
	f.StringVar(&flagJoinMic, "mic", "", "Ogg/Opus file sent to the streamer as your microphone")
	f.StringVar(&flagJoinRecordDir, "record-dir", "", "Record the stream into this directory")
}

func runJoin(cmd *cobra.Command, ref string) error {
	room, err := config.ParseRoomRef(ref)
	if err != nil {
		return err
	}
	if room != ref {
		ui.PrintSuccess("Extracted room ID: " + room)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	name := flagJoinName
	if name == "" {
		name = signaling.DefaultViewerName
	}

	var local media.Source
	mic := openMicrophone(flagJoinMic)
	if mic != nil {
		local = mic
	}

	return runSession(cmd.Context(), sessionParams{
		cfg:       cfg,
		role:      peer.RoleViewer,
		room:      room,
		name:      name,
		local:     local,
		mic:       mic,
		recordDir: flagJoinRecordDir,
	})
}
