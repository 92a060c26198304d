package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk/transport"
)

var (
	ErrAccountNotConfigured = errors.New("account not configured")
	ErrAccountNotRunning    = errors.New("account not running")
	ErrAccountRunning       = errors.New("account already running")
)

// streamTransport is what the gateway needs from the stream layer: a
// managed transport that surfaces callback frames.
type streamTransport interface {
	transport.Transport
	OnCallback(fn func(transport.Frame))
}

// accountConn tracks one running account.
type accountConn struct {
	accountID string
	manager   *transport.Manager
	startedAt time.Time
	mu        sync.Mutex
	stopped   bool
}

// Stop is idempotent.
func (c *accountConn) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()
	return c.manager.Stop()
}

// AccountStatus is a point-in-time view of one account.
type AccountStatus struct {
	AccountID string
	Name      string
	Enabled   bool
	Running   bool
	State     string
	StartedAt time.Time
}

// ProbeResult reports whether an account's credentials work.
type ProbeResult struct {
	OK       bool
	ClientID string
	Error    string
}

// SendResult is the outcome of an outbound send operation.
type SendResult struct {
	OK        bool
	MessageID string
	Error     string
}

// Gateway owns the per-account stream connections and exposes the
// channel's operations.
type Gateway struct {
	cfg     config.Config
	runtime Runtime
	tokens  *dingtalk.TokenCache
	dedup   *dingtalk.DedupStore
	peers   *dingtalk.PeerRegistry
	cards   *dingtalk.CardService
	send    *dingtalk.SendService
	media   *dingtalk.MediaService
	log     *slog.Logger

	// newTransport is an injection point for tests.
	newTransport func(acct config.AccountConfig) streamTransport

	mu    sync.Mutex
	conns map[string]*accountConn
}

type GatewayParams struct {
	Config  config.Config
	Runtime Runtime
	Client  *dingtalk.Client
	Tokens  *dingtalk.TokenCache
	Dedup   *dingtalk.DedupStore
	Peers   *dingtalk.PeerRegistry
	Cards   *dingtalk.CardService
	Send    *dingtalk.SendService
	Media   *dingtalk.MediaService
	Log     *slog.Logger
}

func NewGateway(p GatewayParams) *Gateway {
	g := &Gateway{
		cfg:     p.Config,
		runtime: p.Runtime,
		tokens:  p.Tokens,
		dedup:   p.Dedup,
		peers:   p.Peers,
		cards:   p.Cards,
		send:    p.Send,
		media:   p.Media,
		log:     p.Log.With(slog.String("component", "channel.gateway")),
		conns:   make(map[string]*accountConn),
	}
	g.newTransport = func(acct config.AccountConfig) streamTransport {
		return transport.NewStreamClient(acct, p.Client, p.Log)
	}
	return g
}

// StartAccount connects one account's stream client and wires its inbound
// pipeline. The returned connection is stopped through StopAccount or
// StopAll.
func (g *Gateway) StartAccount(ctx context.Context, accountID string) error {
	acct, ok := g.cfg.Account(accountID)
	if !ok || !acct.IsConfigured() {
		return fmt.Errorf("%w: %s", ErrAccountNotConfigured, accountID)
	}
	if !acct.IsEnabled() {
		return fmt.Errorf("account %s is disabled", accountID)
	}

	g.mu.Lock()
	if _, exists := g.conns[accountID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountRunning, accountID)
	}
	g.mu.Unlock()

	g.log.Info("starting stream client", slog.String("account", accountID))
	g.media.CleanupOrphanedTempFiles()

	pipeline := NewPipeline(accountID, acct, g.runtime, g.dedup, g.peers, g.cards, g.send, g.media, g.log)

	stream := g.newTransport(acct)
	stream.OnCallback(func(frame transport.Frame) {
		if frame.Headers.Topic != transport.TopicRobotMessage {
			return
		}
		pipeline.HandleRaw(context.Background(), []byte(frame.Data))
	})

	manager := transport.NewManager(stream, accountID, transport.ManagerConfig{
		MaxAttempts:    g.cfg.Connection.MaxAttempts,
		InitialDelay:   time.Duration(g.cfg.Connection.InitialDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(g.cfg.Connection.MaxDelayMs) * time.Millisecond,
		Jitter:         g.cfg.Connection.Jitter,
		HealthInterval: time.Duration(g.cfg.Connection.HealthIntervalMs) * time.Millisecond,
	}, g.log)

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("start account %s: %w", accountID, err)
	}

	conn := &accountConn{
		accountID: accountID,
		manager:   manager,
		startedAt: time.Now(),
	}
	g.mu.Lock()
	g.conns[accountID] = conn
	g.mu.Unlock()

	g.log.Info("stream client connected", slog.String("account", accountID))
	return nil
}

// StartAll starts every enabled configured account. Individual failures
// are collected; accounts that connected stay up.
func (g *Gateway) StartAll(ctx context.Context) error {
	var errs []error
	for _, accountID := range g.cfg.AccountIDs() {
		acct, ok := g.cfg.Account(accountID)
		if !ok || !acct.IsEnabled() || !acct.IsConfigured() {
			continue
		}
		if err := g.StartAccount(ctx, accountID); err != nil {
			g.log.Error("account start failed",
				slog.String("account", accountID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAccount stops one account's connection. Idempotent per account.
func (g *Gateway) StopAccount(accountID string) error {
	g.mu.Lock()
	conn, ok := g.conns[accountID]
	delete(g.conns, accountID)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotRunning, accountID)
	}
	g.log.Info("stopping stream client", slog.String("account", accountID))
	return conn.Stop()
}

// StopAll stops every running account.
func (g *Gateway) StopAll() {
	g.mu.Lock()
	conns := make([]*accountConn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = make(map[string]*accountConn)
	g.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Stop(); err != nil {
			g.log.Warn("error stopping account",
				slog.String("account", conn.accountID), slog.Any("error", err))
		}
	}
}

// Probe verifies an account's credentials by fetching an access token.
func (g *Gateway) Probe(ctx context.Context, accountID string) ProbeResult {
	acct, ok := g.cfg.Account(accountID)
	if !ok || !acct.IsConfigured() {
		return ProbeResult{OK: false, Error: "not configured"}
	}
	if _, err := g.tokens.Token(ctx, acct); err != nil {
		return ProbeResult{OK: false, Error: err.Error()}
	}
	return ProbeResult{OK: true, ClientID: acct.ClientID}
}

// SendText sends a proactive text or markdown message to a conversation.
func (g *Gateway) SendText(ctx context.Context, accountID, to, text string) SendResult {
	acct, ok := g.cfg.Account(accountID)
	if !ok || !acct.IsConfigured() {
		return SendResult{OK: false, Error: "dingtalk not configured"}
	}
	if err := g.send.SendProactive(ctx, acct, to, text, dingtalk.SendOptions{}); err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true}
}

// SendMedia uploads a local file and sends it proactively.
func (g *Gateway) SendMedia(ctx context.Context, accountID, to, mediaPath string) SendResult {
	acct, ok := g.cfg.Account(accountID)
	if !ok || !acct.IsConfigured() {
		return SendResult{OK: false, Error: "dingtalk not configured"}
	}
	mediaType := dingtalk.DetectMediaTypeFromExtension(mediaPath)
	messageID, err := g.send.SendProactiveMedia(ctx, acct, to, mediaPath, mediaType)
	if err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true, MessageID: messageID}
}

// Statuses reports all configured accounts, running or not.
func (g *Gateway) Statuses() []AccountStatus {
	g.mu.Lock()
	conns := make(map[string]*accountConn, len(g.conns))
	for id, conn := range g.conns {
		conns[id] = conn
	}
	g.mu.Unlock()

	var out []AccountStatus
	for _, accountID := range g.cfg.AccountIDs() {
		acct, ok := g.cfg.Account(accountID)
		if !ok {
			continue
		}
		status := AccountStatus{
			AccountID: accountID,
			Name:      acct.Name,
			Enabled:   acct.IsEnabled(),
			State:     string(transport.StateDisconnected),
		}
		if conn, running := conns[accountID]; running {
			status.Running = true
			status.State = string(conn.manager.State())
			status.StartedAt = conn.startedAt
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
