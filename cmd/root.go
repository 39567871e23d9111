package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerstream/internal/config"
	"github.com/BioHazard786/peerstream/internal/ui"
	"github.com/BioHazard786/peerstream/internal/version"
)

var (
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagTimeout  time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerstream",
	Short: "Peer-to-peer screen streaming with chat over WebRTC",
	Long: `PeerStream lets one streamer broadcast a screen (plus an optional microphone)
to any number of viewers who join with a room link. Viewers chat with everyone
in the room and can talk back to the streamer with their own microphone.

A small relay brokers the connection setup; media and chat then flow directly
between the streamer and each viewer.`,
	Version: version.Version,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "", "Relay URL (env: PEERSTREAM_SERVER)")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server, comma separated (env: STUN_SERVER)")
	pf.StringVar(&flagTURN, "turn", "", "TURN server, comma separated (env: TURN_SERVER)")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env: TURN_USERNAME)")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env: TURN_PASSWORD)")
	pf.BoolVar(&flagRelay, "relay", false, "Only use TURN relay candidates (env: FORCE_RELAY)")
	pf.DurationVar(&flagTimeout, "timeout", config.DefaultNegotiationTimeout, "Close peers that do not connect in time, 0 disables (env: NEGOTIATION_TIMEOUT)")

	rootCmd.AddCommand(serveCmd, streamCmd, joinCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := config.Options{
		ServerURL:  flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	}
	if cmd.Flags().Changed("timeout") {
		opts.NegotiationTimeout = &flagTimeout
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}
