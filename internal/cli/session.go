package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/peer"
	"github.com/jeeyo/battleship-p2p/internal/signalclient"
	"github.com/jeeyo/battleship-p2p/internal/ui"
)

// newManager builds a session manager from the resolved configuration.
func newManager(cfg *config.Client) *peer.Manager {
	logger := slog.Default()
	client := signalclient.NewClient(cfg.ServerURL, logger)

	return peer.NewManager(client, peer.Options{
		Transport:     cfg.Transport,
		RelayFallback: cfg.RelayFallback,
		Logger:        logger,
		OnStateChange: func(state peer.ConnectionState) {
			switch state {
			case peer.StateConnected:
				ui.PrintSuccess("Peer connected")
			case peer.StateDisconnected:
				ui.PrintWarning("Peer disconnected")
			case peer.StateFailed:
				ui.PrintError("Connection failed")
			}
		},
		OnData: func(payload []byte) {
			fmt.Printf("%s %s\n", ui.IconPeer, strings.TrimRight(string(payload), "\n"))
		},
		OnError: func(err error) {
			logger.Warn("session error", "error", err)
		},
	})
}

// runSession bridges the terminal to the peer channel: each stdin line
// goes out over the reliable channel, incoming payloads print as they
// arrive via the OnData callback.
func runSession(ctx context.Context, m *peer.Manager) error {
	defer m.Close()

	fmt.Println()
	ui.PrintInfo("Waiting for peer connection...")
	if err := m.WaitForConnected(ctx); err != nil {
		return err
	}

	ui.PrintInfof("Type a move and press enter. %s to quit.", ui.MutedStyle.Render("Ctrl+D"))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := m.Send([]byte(line)); err != nil {
			ui.PrintErrorf("send failed: %v", err)
		}
	}
	return scanner.Err()
}
