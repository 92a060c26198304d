package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Connection lifecycle states.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
	StateFailed        State = "FAILED"
)

var (
	// ErrConnectAborted is returned when Connect is called with an already
	// cancelled context or on a stopped manager.
	ErrConnectAborted = errors.New("connect aborted")
	// ErrMaxAttemptsReached is returned when the initial connect exhausts
	// its attempt budget.
	ErrMaxAttemptsReached = errors.New("max connection attempts reached")
)

const minReconnectDelay = 100 * time.Millisecond

// ManagerConfig tunes reconnection behavior.
type ManagerConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	HealthInterval time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts:    10,
		InitialDelay:   time.Second,
		MaxDelay:       time.Minute,
		Jitter:         0.2,
		HealthInterval: 5 * time.Second,
	}
}

// Manager drives a Transport through its connection lifecycle: an initial
// connect with a bounded retry budget, then indefinite runtime reconnection
// with exponential backoff when the connection drops.
type Manager struct {
	transport Transport
	cfg       ManagerConfig
	accountID string
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	stopped  bool
	cancel   context.CancelFunc

	// Injection points for tests.
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

func NewManager(transport Transport, accountID string, cfg ManagerConfig, log *slog.Logger) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		accountID: accountID,
		log: log.With(
			slog.String("component", "dingtalk.connection"),
			slog.String("account", accountID)),
		state: StateDisconnected,
		sleep: sleepCtx,
		randf: rand.Float64,
	}
	transport.OnClose(m.handleTransportClosed)
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the manager believes the connection is up.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// nextDelay computes the backoff before the given attempt:
// clamp(initial * 2^attempt, maxDelay) jittered by ±Jitter, floored at
// 100ms.
func (m *Manager) nextDelay(attempt int) time.Duration {
	exp := float64(m.cfg.InitialDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(exp, float64(m.cfg.MaxDelay))

	jitter := capped * m.cfg.Jitter * (m.randf()*2 - 1)
	delay := time.Duration(capped + jitter)
	if delay < minReconnectDelay {
		delay = minReconnectDelay
	}
	return delay
}

// Connect establishes the initial connection, retrying up to MaxAttempts
// with backoff. A context cancelled before the first attempt fails fast
// with ErrConnectAborted and no dialing.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectAborted, err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrConnectAborted
	}
	m.state = StateConnecting
	m.attempts = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			m.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", ErrConnectAborted, err)
		}

		m.log.Info("connection attempt",
			slog.Int("attempt", attempt+1),
			slog.Int("maxAttempts", m.cfg.MaxAttempts))

		if err := m.transport.Connect(ctx); err != nil {
			lastErr = err
			m.log.Error("connection attempt failed",
				slog.Int("attempt", attempt+1), slog.Any("error", err))

			if attempt+1 >= m.cfg.MaxAttempts {
				break
			}
			delay := m.nextDelay(attempt)
			m.log.Warn("retrying connection", slog.Duration("delay", delay))
			if err := m.sleep(ctx, delay); err != nil {
				m.setState(StateDisconnected)
				return fmt.Errorf("%w: %w", ErrConnectAborted, err)
			}
			continue
		}

		m.mu.Lock()
		m.state = StateConnected
		m.attempts = 0
		m.mu.Unlock()
		m.log.Info("connected")

		go m.healthLoop(loopCtx)
		return nil
	}

	m.setState(StateFailed)
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsReached, m.cfg.MaxAttempts, lastErr)
}

// healthLoop polls the transport and triggers reconnection when the
// connection silently drops without a close callback.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() == StateConnected && !m.transport.Connected() {
				m.log.Warn("connection health check failed, detected disconnection")
				m.handleTransportClosed(errors.New("health check: transport not connected"))
				return
			}
		}
	}
}

func (m *Manager) handleTransportClosed(cause error) {
	m.mu.Lock()
	if m.stopped || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.attempts = 0
	if m.cancel != nil {
		m.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.log.Warn("runtime disconnection detected, reconnecting", slog.Any("error", cause))
	go m.reconnectLoop(loopCtx)
}

// reconnectLoop retries indefinitely after a runtime disconnect, with the
// attempt counter reset so backoff starts from the initial delay.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		delay := m.nextDelay(attempt)
		m.log.Info("scheduling reconnection",
			slog.Duration("delay", delay), slog.Int("attempt", attempt+1))
		if err := m.sleep(ctx, delay); err != nil {
			return
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()

		if err := m.transport.Connect(ctx); err != nil {
			m.log.Error("reconnection attempt failed",
				slog.Int("attempt", attempt+1), slog.Any("error", err))
			m.setState(StateDisconnected)
			continue
		}

		m.mu.Lock()
		m.state = StateConnected
		m.attempts = 0
		m.mu.Unlock()
		m.log.Info("reconnected")
		go m.healthLoop(ctx)
		return
	}
}

// Stop shuts the connection down and prevents further reconnection.
// Idempotent from any state.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.state = StateDisconnecting
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	err := m.transport.Disconnect()
	if err != nil {
		m.log.Warn("error during disconnect", slog.Any("error", err))
	}

	m.setState(StateDisconnected)
	m.log.Info("connection manager stopped")
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
