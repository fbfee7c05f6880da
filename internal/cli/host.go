package cli

import (
	"github.com/spf13/cobra"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/ui"
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h"},
	Short:   "Host a match and print the room code",
	Long: `Host a new match. A room code is printed for the opponent to join
with. The session starts once the opponent connects.

Examples:
  battleship host
  battleship host --server https://relay.example.com
  battleship host --poll --relay-fallback`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadClient(config.ClientOptions{
			ServerURL:     flagServer,
			Transport:     transportFlag(),
			RelayFallback: flagRelay,
		})

		m := newManager(cfg)
		code, err := m.CreateRoom(cmd.Context())
		if err != nil {
			return err
		}

		ui.PrintRoomCode(code)
		return runSession(cmd.Context(), m)
	},
}

func transportFlag() string {
	if flagPoll {
		return config.TransportPolling
	}
	return ""
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
