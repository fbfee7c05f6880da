package peer

import (
	"log/slog"
	"sync"
	"time"
)

// Supervisor states.
type SupervisorState int32

const (
	SupervisorIdle SupervisorState = iota
	SupervisorMonitoring
	SupervisorRestarting
	SupervisorStopped
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorIdle:
		return "idle"
	case SupervisorMonitoring:
		return "monitoring"
	case SupervisorRestarting:
		return "restarting"
	case SupervisorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LivenessConfig tunes the heartbeat supervisor. Zero values take the
// production defaults; tests inject short intervals.
type LivenessConfig struct {
	PingInterval time.Duration // default 2s
	PongTimeout  time.Duration // default 8s, four missed heartbeats
	MaxRestarts  int           // default 3
	RestartDelay time.Duration // initial backoff, default 1s
	MaxDelay     time.Duration // backoff cap, default 30s
}

func (c LivenessConfig) withDefaults() LivenessConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 8 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Supervisor detects silent failure of an apparently-open transport by
// exchanging heartbeats, and drives bounded ICE-restart recovery without
// tearing down application state.
type Supervisor struct {
	cfg LivenessConfig

	sendPing func(nonce int64) error
	restart  func() error
	onFatal  func(error)
	logger   *slog.Logger

	mu           sync.Mutex
	state        SupervisorState
	lastPongAt   time.Time
	attempts     int
	nextDelay    time.Duration
	restartTimer *time.Timer

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func newSupervisor(cfg LivenessConfig, sendPing func(nonce int64) error, restart func() error, onFatal func(error), logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		sendPing:  sendPing,
		restart:   restart,
		onFatal:   onFatal,
		logger:    logger,
		state:     SupervisorIdle,
		nextDelay: cfg.RestartDelay,
		stop:      make(chan struct{}),
	}
}

// StartMonitoring begins the heartbeat loop. Safe to call more than
// once; only the first call after idle starts the loop.
func (s *Supervisor) StartMonitoring() {
	s.mu.Lock()
	if s.state != SupervisorIdle {
		// Recovery completed: a channel re-opened while restarting.
		if s.state == SupervisorRestarting {
			s.state = SupervisorMonitoring
			s.lastPongAt = time.Now()
		}
		s.mu.Unlock()
		return
	}
	s.state = SupervisorMonitoring
	s.lastPongAt = time.Now()
	s.ticker = time.NewTicker(s.cfg.PingInterval)
	s.mu.Unlock()

	go s.run()
}

// NotePong records a heartbeat reply.
func (s *Supervisor) NotePong() {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	if s.state == SupervisorRestarting {
		s.state = SupervisorMonitoring
	}
	s.mu.Unlock()
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop enters the terminal state and cancels all timers.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state = SupervisorStopped
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.stop) })
}

func (s *Supervisor) run() {
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) tick() {
	s.mu.Lock()
	state := s.state
	overdue := time.Since(s.lastPongAt) > s.cfg.PongTimeout
	s.mu.Unlock()

	if state != SupervisorMonitoring {
		return
	}

	now := time.Now().UnixMilli()
	if err := s.sendPing(now); err != nil {
		s.logger.Debug("heartbeat send failed", "error", err)
	}

	if overdue {
		s.beginRestart()
	}
}

// beginRestart schedules one ICE-restart attempt after the current
// backoff delay. Further timeout breaches are ignored until the attempt
// has been issued and monitoring resumes.
func (s *Supervisor) beginRestart() {
	s.mu.Lock()
	if s.state != SupervisorMonitoring {
		s.mu.Unlock()
		return
	}

	if s.attempts >= s.cfg.MaxRestarts {
		s.state = SupervisorStopped
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.mu.Unlock()
		s.logger.Error("connectivity lost, restart budget exhausted", "attempts", s.attempts)
		s.onFatal(WrapError("liveness", ErrConnectionFailed, "restart attempts exhausted"))
		s.once.Do(func() { close(s.stop) })
		return
	}

	s.state = SupervisorRestarting
	s.attempts++
	delay := s.nextDelay
	s.nextDelay = min(s.nextDelay*2, s.cfg.MaxDelay)
	attempt := s.attempts

	s.logger.Warn("heartbeat timeout, scheduling transport restart", "attempt", attempt, "delay", delay)

	s.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != SupervisorRestarting {
			s.mu.Unlock()
			return
		}
		// Give the renegotiation a fresh timeout window.
		s.lastPongAt = time.Now()
		s.state = SupervisorMonitoring
		s.mu.Unlock()

		if err := s.restart(); err != nil {
			s.logger.Error("transport restart failed", "attempt", attempt, "error", err)
		}
	})
	s.mu.Unlock()
}
