// Package peer drives the client side of a session: room rendezvous,
// the asymmetric offer/answer/candidate exchange, the data channels the
// application talks through, and liveness recovery of the established
// transport.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/protocol"
	"github.com/jeeyo/battleship-p2p/internal/queue"
	"github.com/jeeyo/battleship-p2p/internal/signalclient"
)

// ConnectionState is the aggregate state exposed to the application.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Queue cadence is a property of the relay backend: the socket hub can
// absorb a tight loop, the KV-backed polling relay cannot.
const (
	socketQueueInterval  = 100 * time.Millisecond
	pollingQueueInterval = time.Second
)

const createRoomAttempts = 5

// Options configures a Manager.
type Options struct {
	// Transport selects the signaling backend (config.TransportSocket
	// or config.TransportPolling).
	Transport string

	// RelayFallback routes application payloads through the relay when
	// the direct channel is unavailable.
	RelayFallback bool

	// ConnectTimeout bounds WaitForConnected. Default 30s.
	ConnectTimeout time.Duration

	// PollInterval overrides the polling transport cadence (tests).
	PollInterval time.Duration

	Liveness LivenessConfig

	Logger *slog.Logger

	// Callbacks fire from internal goroutines and must not block.
	OnStateChange func(ConnectionState)
	OnData        func([]byte)
	OnError       func(error)
}

// Manager owns one peer session end to end.
type Manager struct {
	client *signalclient.Client
	opts   Options
	logger *slog.Logger

	clientID string

	mu          sync.Mutex
	roomCode    string
	role        string
	token       string
	isInitiator bool
	state       ConnectionState
	pc          *webrtc.PeerConnection
	control     dataChannel
	inputs      dataChannel
	restarts    int
	closed      bool

	transport  signalclient.Transport
	queue      *queue.Queue
	supervisor *Supervisor
	relayChan  *signalclient.RelayChannel

	connected     chan struct{}
	connectedOnce sync.Once
	connectStart  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager talking to the given relay.
func NewManager(client *signalclient.Client, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		client:    client,
		opts:      opts,
		logger:    opts.Logger,
		clientID:  protocol.NewClientID(),
		state:     StateConnecting,
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.supervisor = newSupervisor(opts.Liveness, m.sendHeartbeat, m.restartTransport, m.fatal, opts.Logger)
	return m
}

// ClientID returns the session-scoped client identifier.
func (m *Manager) ClientID() string { return m.clientID }

// RoomCode returns the active room code, empty before create/join.
func (m *Manager) RoomCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomCode
}

// State returns the aggregate connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CreateRoom registers a fresh room and starts listening for the peer.
// The caller is the initiator: it will produce the offer once the relay
// reports peer-joined.
func (m *Manager) CreateRoom(ctx context.Context) (string, error) {
	var code string
	for attempt := 0; ; attempt++ {
		code = protocol.GenerateRoomCode()
		err := m.client.CreateRoom(ctx, code)
		if err == nil {
			break
		}
		// A code collision is nearly impossible in a 36^6 space, but the
		// registry can still report one; regenerate and retry.
		if errors.Is(err, signalclient.ErrRoomExists) && attempt < createRoomAttempts-1 {
			continue
		}
		return "", NewError("create room", err)
	}

	m.mu.Lock()
	m.roomCode = code
	m.role = protocol.RoleInitiator
	m.isInitiator = true
	m.mu.Unlock()

	if err := m.start(ctx); err != nil {
		return "", err
	}
	return code, nil
}

// JoinRoom attaches to an existing room as the responder and waits
// passively for the initiator's offer.
func (m *Manager) JoinRoom(ctx context.Context, code string) error {
	code = protocol.NormalizeRoomCode(code)
	if !protocol.ValidRoomCode(code) {
		return ErrInvalidRoomCode
	}

	token, err := m.client.JoinRoom(ctx, code)
	if err != nil {
		if errors.Is(err, signalclient.ErrRoomNotFound) || errors.Is(err, signalclient.ErrRoomFull) {
			return err
		}
		return NewError("join room", err)
	}

	m.mu.Lock()
	m.roomCode = code
	m.role = protocol.RoleJoiner
	m.token = token
	m.isInitiator = false
	m.mu.Unlock()

	return m.start(ctx)
}

// start brings up the transport negotiation machinery: peer connection,
// data channels (initiator side), signaling transport, outbound queue.
func (m *Manager) start(ctx context.Context) error {
	m.connectStart = time.Now()

	iceServers := m.client.ICEServers(ctx)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return NewError("create peer connection", err)
	}

	m.mu.Lock()
	m.pc = pc
	isInitiator := m.isInitiator
	roomCode := m.roomCode
	role := m.role
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// Candidate discovery is open-ended; nil marks the end of
		// gathering and no terminator message is sent, since progress
		// must never depend on receiving one.
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.enqueueSignal(&protocol.Message{
			Type:      protocol.TypeICECandidate,
			Candidate: &init,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Info("transport state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			if !m.anyChannelOpen() {
				m.setState(StateFailed)
				m.reportError(NewError("transport", ErrConnectionFailed))
			}
		case webrtc.PeerConnectionStateClosed:
			if !m.anyChannelOpen() {
				m.setState(StateClosed)
			}
		case webrtc.PeerConnectionStateDisconnected:
			// Liveness recovery owns this; heartbeats decide whether a
			// restart is needed.
		}
	})

	if isInitiator {
		control, err := pc.CreateDataChannel(labelControl, controlChannelInit())
		if err != nil {
			return NewError("create control channel", err)
		}
		m.setupControlChannel(control)

		inputs, err := pc.CreateDataChannel(labelInputs, inputsChannelInit())
		if err != nil {
			return NewError("create inputs channel", err)
		}
		m.setupInputsChannel(inputs)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			switch dc.Label() {
			case labelControl:
				m.setupControlChannel(dc)
			case labelInputs:
				m.setupInputsChannel(dc)
			default:
				// Single-channel peers put everything on one channel.
				m.setupControlChannel(dc)
			}
		})
	}

	transport, err := m.dialTransport(ctx, roomCode, role)
	if err != nil {
		return err
	}

	interval := socketQueueInterval
	if m.opts.Transport == config.TransportPolling {
		interval = pollingQueueInterval
	}

	q := queue.New(m.sendSignal, interval, func(msg *protocol.Message, err error) {
		m.reportError(WrapError("signaling", ErrSignalingError, "delivery retries exhausted for "+msg.Type))
	}, m.logger)

	m.mu.Lock()
	m.transport = transport
	m.queue = q
	m.mu.Unlock()

	q.Start(m.ctx)
	go m.receiveLoop()

	if m.opts.RelayFallback {
		m.mu.Lock()
		m.relayChan = signalclient.NewRelayChannel(m.client, roomCode, role, m.token, m.clientID, m.opts.PollInterval, m.logger)
		relayChan := m.relayChan
		m.mu.Unlock()
		relayChan.Start(m.ctx)
		go m.relayReceiveLoop(relayChan)
	}

	return nil
}

func (m *Manager) dialTransport(ctx context.Context, roomCode, role string) (signalclient.Transport, error) {
	if m.opts.Transport == config.TransportPolling {
		p := signalclient.NewPolling(m.client, roomCode, m.clientID, m.opts.PollInterval, m.logger)
		p.Start(m.ctx)
		return p, nil
	}

	s, err := signalclient.DialSocket(ctx, m.client.BaseURL(), roomCode, m.clientID, role, m.logger)
	if err != nil {
		return nil, NewError("connect signaling", err)
	}
	return s, nil
}

// sendSignal is the queue's delivery function.
func (m *Manager) sendSignal(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return ErrSessionClosed
	}
	return transport.Send(ctx, msg)
}

// enqueueSignal stamps identity fields and hands msg to the outbound
// queue for at-least-once delivery.
func (m *Manager) enqueueSignal(msg *protocol.Message) {
	m.mu.Lock()
	msg.RoomCode = m.roomCode
	msg.IsInitiator = m.isInitiator
	q := m.queue
	m.mu.Unlock()

	msg.SenderID = m.clientID
	if msg.MessageID == "" {
		msg.MessageID = protocol.NewMessageID(m.clientID)
	}
	if q != nil {
		q.Enqueue(msg)
	}
}

func (m *Manager) receiveLoop() {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return
	}

	for msg := range transport.Messages() {
		m.handleSignal(msg)
	}
}

func (m *Manager) relayReceiveLoop(relayChan *signalclient.RelayChannel) {
	for payload := range relayChan.Payloads() {
		if m.opts.OnData != nil {
			m.opts.OnData(payload)
		}
	}
}

// handleSignal applies one relay message to the local negotiation.
// Handlers tolerate duplicates and out-of-order arrivals; a message that
// cannot be applied is logged and dropped, never fatal to the loop.
func (m *Manager) handleSignal(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePeerJoined:
		m.handlePeerJoined()
	case protocol.TypeOffer:
		m.handleOffer(msg.Offer)
	case protocol.TypeAnswer:
		m.handleAnswer(msg.Answer)
	case protocol.TypeICECandidate:
		m.handleCandidate(msg.Candidate)
	case protocol.TypePeerLeft:
		m.handlePeerLeft()
	case protocol.TypeRelayData:
		if m.opts.OnData != nil && len(msg.Payload) > 0 {
			m.opts.OnData(msg.Payload)
		}
	default:
		m.logger.Debug("ignoring signaling message", "type", msg.Type)
	}
}

// handlePeerJoined: the initiator produces the offer; the responder
// keeps waiting for it.
func (m *Manager) handlePeerJoined() {
	m.mu.Lock()
	isInitiator := m.isInitiator
	m.mu.Unlock()

	m.logger.Info("peer joined", "roomCode", m.RoomCode())
	if isInitiator {
		m.sendOffer(false)
	}
}

func (m *Manager) sendOffer(iceRestart bool) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := pc.CreateOffer(opts)
	if err != nil {
		m.logger.Error("create offer failed", "error", err)
		m.reportError(NewError("create offer", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.logger.Error("set local description failed", "error", err)
		m.reportError(NewError("set local description", err))
		return
	}

	m.enqueueSignal(&protocol.Message{
		Type:  protocol.TypeOffer,
		Offer: pc.LocalDescription(),
	})
}

func (m *Manager) handleOffer(offer *webrtc.SessionDescription) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil || offer == nil {
		return
	}

	if err := pc.SetRemoteDescription(*offer); err != nil {
		m.logger.Warn("apply offer failed", "error", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.logger.Error("create answer failed", "error", err)
		m.reportError(NewError("create answer", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.logger.Error("set local description failed", "error", err)
		m.reportError(NewError("set local description", err))
		return
	}

	m.enqueueSignal(&protocol.Message{
		Type:   protocol.TypeAnswer,
		Answer: pc.LocalDescription(),
	})
}

func (m *Manager) handleAnswer(answer *webrtc.SessionDescription) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil || answer == nil {
		return
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		m.logger.Warn("apply answer failed", "error", err)
	}
}

func (m *Manager) handleCandidate(candidate *webrtc.ICECandidateInit) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil || candidate == nil {
		return
	}
	if err := pc.AddICECandidate(*candidate); err != nil {
		// Duplicate or late candidates must not corrupt state.
		m.logger.Debug("add candidate failed", "error", err)
	}
}

func (m *Manager) handlePeerLeft() {
	m.logger.Info("peer left", "roomCode", m.RoomCode())
	m.setState(StateDisconnected)
	m.reportError(ErrPeerDisconnected)
}

// restartTransport renegotiates candidates while preserving the logical
// session. The supervisor calls this on heartbeat timeout.
func (m *Manager) restartTransport() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.restarts++
	attempt := m.restarts
	transport := m.transport
	m.mu.Unlock()

	// The relay is needed again while the direct path is down.
	if p, ok := transport.(signalclient.Pausable); ok {
		p.Resume()
	}

	m.logger.Warn("restarting transport", "attempt", attempt)
	m.client.PostMetric("ice_restart", m.RoomCode(), m.clientID, map[string]any{"attempt": attempt})
	m.sendOffer(true)
	return nil
}

// WaitForConnected blocks until the first channel opens, the timeout
// bound elapses, or ctx is cancelled.
func (m *Manager) WaitForConnected(ctx context.Context) error {
	select {
	case <-m.connected:
		return nil
	case <-time.After(m.opts.ConnectTimeout):
		return WrapError("connect", ErrConnectionFailed, "no channel opened within timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrSessionClosed
	}
}

// sendHeartbeat is the supervisor's ping sender.
func (m *Manager) sendHeartbeat(nonce int64) error {
	return m.sendWireBestEffort(&wireMessage{Type: wireTypePing, T: nonce})
}

func (m *Manager) fatal(err error) {
	m.setState(StateFailed)
	m.reportError(err)
}

func (m *Manager) setState(state ConnectionState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state)
	}
}

func (m *Manager) reportError(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

// Close tears the session down: all timers cancelled, pending queue
// entries discarded, channels and transport closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pc := m.pc
	control := m.control
	inputs := m.inputs
	transport := m.transport
	q := m.queue
	relayChan := m.relayChan
	m.mu.Unlock()

	m.supervisor.Stop()
	if q != nil {
		q.Stop()
	}
	if relayChan != nil {
		relayChan.Close()
	}
	if control != nil {
		control.Close()
	}
	if inputs != nil {
		inputs.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if transport != nil {
		transport.Close()
	}
	m.cancel()
	m.setState(StateClosed)
	return nil
}
