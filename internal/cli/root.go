// Package cli implements the battleship command line client: hosting a
// match, joining one, and bridging the terminal to the peer channel.
package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jeeyo/battleship-p2p/internal/ui"
	"github.com/jeeyo/battleship-p2p/internal/version"
)

var (
	flagServer string
	flagPoll   bool
	flagRelay  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "battleship",
	Short:   "Peer-to-peer battleship over WebRTC",
	Long:    `Battleship connects two players directly over WebRTC. One player hosts a match and shares the room code; the other joins with it. A relay server brokers the handshake and can carry gameplay traffic when no direct path exists.`,
	Version: version.Version,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "Relay server base URL")
	rootCmd.PersistentFlags().BoolVarP(&flagPoll, "poll", "p", false, "Use HTTP polling signaling instead of the socket hub")
	rootCmd.PersistentFlags().BoolVarP(&flagRelay, "relay-fallback", "r", false, "Route gameplay through the relay when no direct channel exists")
}
