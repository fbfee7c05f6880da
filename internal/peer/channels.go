package peer

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jeeyo/battleship-p2p/internal/signalclient"
)

// Channel labels. Control carries turn-taking game state and must arrive
// in order; inputs carries latency-sensitive updates where a lost frame
// is cheaper than a stall.
const (
	labelControl = "control"
	labelInputs  = "inputs"
)

// dataChannel is the subset of *webrtc.DataChannel the send paths need,
// small enough to substitute in tests.
type dataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send([]byte) error
	Close() error
}

func controlChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

func inputsChannelInit() *webrtc.DataChannelInit {
	ordered := false
	var retransmits uint16 = 0
	return &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
}

func (m *Manager) setupControlChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.control = dc
	m.mu.Unlock()
	m.wireChannel(dc)
}

func (m *Manager) setupInputsChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.inputs = dc
	m.mu.Unlock()
	m.wireChannel(dc)
}

func (m *Manager) wireChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		m.logger.Info("data channel open", "label", dc.Label())
		m.onChannelOpened()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handleWireMessage(msg.Data)
	})

	dc.OnClose(func() {
		m.logger.Info("data channel closed", "label", dc.Label())
	})
}

// onChannelOpened runs on every channel open, including re-opens after a
// transport restart. The relay transport is paused once a direct path
// exists; recovery resumes it.
func (m *Manager) onChannelOpened() {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()

	if p, ok := transport.(signalclient.Pausable); ok {
		p.Pause()
	}

	m.supervisor.StartMonitoring()
	m.setState(StateConnected)

	m.connectedOnce.Do(func() {
		close(m.connected)
		m.client.PostMetric("webrtc_connected", m.RoomCode(), m.clientID, map[string]any{
			"connectDurationMs": time.Since(m.connectStart).Milliseconds(),
		})
	})
}

// handleWireMessage demultiplexes one data channel frame. Heartbeats are
// consumed here; only data payloads reach the application.
func (m *Manager) handleWireMessage(data []byte) {
	msg, err := decodeWire(data)
	if err != nil {
		m.logger.Debug("dropping undecodable channel frame", "error", err)
		return
	}

	switch msg.Type {
	case wireTypePing:
		// Echo the nonce so the peer can match request to reply.
		if err := m.sendWireBestEffort(&wireMessage{Type: wireTypePong, T: msg.T}); err != nil {
			m.logger.Debug("pong send failed", "error", err)
		}
	case wireTypePong:
		m.supervisor.NotePong()
	case wireTypeData:
		if m.opts.OnData != nil {
			m.opts.OnData(msg.Payload)
		}
	default:
		m.logger.Debug("ignoring unknown channel frame", "type", msg.Type)
	}
}

// Send delivers an application payload reliably: over the control
// channel when open, through the relay fallback when enabled, otherwise
// it fails with ErrChannelNotReady.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	control := m.control
	relayChan := m.relayChan
	m.mu.Unlock()

	if control != nil && control.ReadyState() == webrtc.DataChannelStateOpen {
		return m.sendWire(control, &wireMessage{Type: wireTypeData, Payload: payload})
	}

	if relayChan != nil {
		if err := relayChan.Send(m.ctx, json.RawMessage(payload)); err != nil {
			return NewError("relay send", err)
		}
		return nil
	}
	return ErrChannelNotReady
}

// SendBestEffort delivers a loss-tolerant payload, preferring the
// unordered inputs channel and falling back to control.
func (m *Manager) SendBestEffort(payload []byte) error {
	m.mu.Lock()
	inputs := m.inputs
	control := m.control
	m.mu.Unlock()

	msg := &wireMessage{Type: wireTypeData, Payload: payload}
	if inputs != nil && inputs.ReadyState() == webrtc.DataChannelStateOpen {
		return m.sendWire(inputs, msg)
	}
	if control != nil && control.ReadyState() == webrtc.DataChannelStateOpen {
		return m.sendWire(control, msg)
	}
	return ErrChannelNotReady
}

// sendWireBestEffort puts a frame on whichever channel is open, used for
// heartbeats where delivery is opportunistic. Inputs goes first: a lost
// ping is cheaper than one queued behind game data on the reliable
// channel.
func (m *Manager) sendWireBestEffort(msg *wireMessage) error {
	m.mu.Lock()
	control := m.control
	inputs := m.inputs
	m.mu.Unlock()

	if inputs != nil && inputs.ReadyState() == webrtc.DataChannelStateOpen {
		return m.sendWire(inputs, msg)
	}
	if control != nil && control.ReadyState() == webrtc.DataChannelStateOpen {
		return m.sendWire(control, msg)
	}
	return ErrChannelNotReady
}

func (m *Manager) sendWire(dc dataChannel, msg *wireMessage) error {
	data, err := encodeWire(msg)
	if err != nil {
		return NewError("encode frame", err)
	}
	if err := dc.Send(data); err != nil {
		return NewError("channel send", err)
	}
	return nil
}

func (m *Manager) anyChannelOpen() bool {
	m.mu.Lock()
	control := m.control
	inputs := m.inputs
	m.mu.Unlock()

	if control != nil && control.ReadyState() == webrtc.DataChannelStateOpen {
		return true
	}
	if inputs != nil && inputs.ReadyState() == webrtc.DataChannelStateOpen {
		return true
	}
	return false
}
