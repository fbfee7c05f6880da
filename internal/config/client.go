package config

import "os"

// Default client configuration values.
const (
	DefaultServerURL = "http://localhost:8080"
	DefaultTransport = TransportSocket
)

// Signaling transport selection.
const (
	TransportSocket  = "ws"
	TransportPolling = "poll"
)

// Client holds the CLI client configuration.
type Client struct {
	// ServerURL is the relay base URL (http or https).
	ServerURL string

	// Transport selects the signaling backend: socket hub or HTTP polling.
	Transport string

	// RelayFallback enables delivering gameplay payloads through the
	// relay when the direct channel is unavailable.
	RelayFallback bool
}

// ClientOptions carries CLI flag overrides.
type ClientOptions struct {
	ServerURL     string
	Transport     string
	RelayFallback bool
}

// LoadClient resolves client configuration with the priority
// CLI flags > environment > defaults.
func LoadClient(opts ClientOptions) *Client {
	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = os.Getenv("BATTLESHIP_SERVER")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	transport := opts.Transport
	if transport == "" {
		transport = os.Getenv("BATTLESHIP_TRANSPORT")
	}
	if transport != TransportPolling {
		transport = DefaultTransport
	}

	return &Client{
		ServerURL:     serverURL,
		Transport:     transport,
		RelayFallback: opts.RelayFallback,
	}
}
