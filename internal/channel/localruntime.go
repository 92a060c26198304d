package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalRuntime is a self-contained Runtime implementation for running the
// channel without a host gateway: one agent, JSON session files on disk,
// and an echo reply dispatcher. Useful for `serve` in development and for
// end-to-end tests.
type LocalRuntime struct {
	baseDir string

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewLocalRuntime(baseDir string) *LocalRuntime {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "openclaw-dingtalk")
	}
	return &LocalRuntime{
		baseDir:  baseDir,
		sessions: make(map[string]time.Time),
	}
}

// Runtime bundles the local implementation behind the host interfaces.
func (l *LocalRuntime) Runtime() Runtime {
	return Runtime{Router: l, Sessions: l, Replies: l}
}

func (l *LocalRuntime) ResolveAgentRoute(_ context.Context, q RouteQuery) (AgentRoute, error) {
	sessionKey := fmt.Sprintf("%s:%s:%s:%s", q.Channel, q.AccountID, q.PeerKind, q.PeerID)
	return AgentRoute{
		AgentID:        "main",
		SessionKey:     sessionKey,
		MainSessionKey: sessionKey,
	}, nil
}

func (l *LocalRuntime) ResolveStorePath(agentID string) string {
	return filepath.Join(l.baseDir, agentID)
}

func (l *LocalRuntime) ReadSessionUpdatedAt(storePath, sessionKey string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.sessions[storePath+"/"+sessionKey]
	return ts, ok
}

type sessionRecord struct {
	SessionKey string    `json:"sessionKey"`
	Body       string    `json:"body"`
	SenderID   string    `json:"senderId"`
	ChatType   string    `json:"chatType"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastRoute  LastRoute `json:"lastRoute"`
}

func (l *LocalRuntime) RecordInboundSession(_ context.Context, p RecordParams) error {
	if err := os.MkdirAll(p.StorePath, 0o755); err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	now := time.Now()
	record := sessionRecord{
		SessionKey: p.SessionKey,
		Body:       p.Ctx.RawBody,
		SenderID:   p.Ctx.SenderID,
		ChatType:   p.Ctx.ChatType,
		UpdatedAt:  now,
		LastRoute:  p.LastRoute,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.StorePath, sanitizeSessionKey(p.SessionKey)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	l.mu.Lock()
	l.sessions[p.StorePath+"/"+p.SessionKey] = now
	l.mu.Unlock()
	return nil
}

func sanitizeSessionKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

func (l *LocalRuntime) FormatInboundEnvelope(p EnvelopeParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", p.Channel, p.From)
	if p.HasPrevious {
		fmt.Fprintf(&b, " (last: %s)", p.PreviousTimestamp.Format(time.RFC3339))
	}
	b.WriteString("\n")
	b.WriteString(p.Body)
	return b.String()
}

func (l *LocalRuntime) FinalizeInboundContext(ctx InboundContext) InboundContext {
	return ctx
}

// DispatchReply echoes the inbound body back as a single reply chunk.
func (l *LocalRuntime) DispatchReply(ctx context.Context, inbound InboundContext, deliver DeliverFunc) error {
	result := deliver(ctx, ReplyPayload{Text: inbound.RawBody})
	if !result.OK {
		return fmt.Errorf("deliver reply: %s", result.Error)
	}
	return nil
}
