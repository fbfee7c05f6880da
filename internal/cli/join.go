package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/peer"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-code>",
	Aliases: []string{"j"},
	Short:   "Join a match by room code",
	Long: `Join a hosted match. The room code is the 6 character code the host
shared; case does not matter.

Examples:
  battleship join AB12CD
  battleship join ab12cd --server https://relay.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadClient(config.ClientOptions{
			ServerURL:     flagServer,
			Transport:     transportFlag(),
			RelayFallback: flagRelay,
		})

		m := newManager(cfg)
		if err := m.JoinRoom(cmd.Context(), args[0]); err != nil {
			switch {
			case errors.Is(err, peer.ErrInvalidRoomCode):
				return fmt.Errorf("room code must be 6 letters or digits")
			case errors.Is(err, peer.ErrRoomNotFound):
				return fmt.Errorf("room %q not found, check the code with the host", args[0])
			case errors.Is(err, peer.ErrRoomFull):
				return fmt.Errorf("room already has two players")
			}
			return err
		}

		return runSession(cmd.Context(), m)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
