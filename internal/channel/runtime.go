// Package channel connects DingTalk robot accounts to an agent runtime:
// account lifecycle, the inbound dispatch pipeline and outbound operations.
package channel

import (
	"context"
	"time"
)

// ChannelName identifies this channel to the host runtime.
const ChannelName = "dingtalk"

// PeerKind classifies the conversation a message came from.
type PeerKind string

const (
	PeerKindDM    PeerKind = "dm"
	PeerKindGroup PeerKind = "group"
)

// RouteQuery asks the router which agent should handle a peer.
type RouteQuery struct {
	Channel   string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
}

// AgentRoute is the router's answer: the agent and its session keys.
type AgentRoute struct {
	AgentID        string
	SessionKey     string
	MainSessionKey string
}

// AgentRouter resolves inbound peers to agent routes.
type AgentRouter interface {
	ResolveAgentRoute(ctx context.Context, q RouteQuery) (AgentRoute, error)
}

// RecordParams captures one inbound message into the session store.
type RecordParams struct {
	StorePath  string
	SessionKey string
	Ctx        InboundContext
	LastRoute  LastRoute
}

// LastRoute remembers where the most recent inbound came from so proactive
// replies can be routed back.
type LastRoute struct {
	SessionKey string
	Channel    string
	To         string
	AccountID  string
}

// SessionStore persists conversation session state.
type SessionStore interface {
	ResolveStorePath(agentID string) string
	ReadSessionUpdatedAt(storePath, sessionKey string) (time.Time, bool)
	RecordInboundSession(ctx context.Context, p RecordParams) error
}

// EnvelopeParams describe an inbound message for envelope formatting.
type EnvelopeParams struct {
	Channel           string
	From              string
	Timestamp         time.Time
	Body              string
	ChatType          string
	SenderName        string
	SenderID          string
	PreviousTimestamp time.Time
	HasPrevious       bool
}

// InboundContext is the finalized inbound message context handed to the
// reply dispatcher.
type InboundContext struct {
	Body              string
	RawBody           string
	CommandBody       string
	From              string
	To                string
	SessionKey        string
	AccountID         string
	ChatType          string
	ConversationLabel string
	GroupSubject      string
	SenderName        string
	SenderID          string
	MessageID         string
	Timestamp         time.Time
	MediaPath         string
	MediaType         string
}

// ReplyPayload is one outbound reply chunk from the dispatcher.
type ReplyPayload struct {
	Text     string
	Markdown string
}

// Content returns the preferred body of the payload.
func (p ReplyPayload) Content() string {
	if p.Markdown != "" {
		return p.Markdown
	}
	return p.Text
}

// DeliverResult reports whether a reply chunk reached the platform.
type DeliverResult struct {
	OK    bool
	Error string
}

// DeliverFunc delivers one reply chunk to the platform.
type DeliverFunc func(ctx context.Context, payload ReplyPayload) DeliverResult

// ReplyPipeline formats inbound envelopes and dispatches agent replies.
type ReplyPipeline interface {
	FormatInboundEnvelope(p EnvelopeParams) string
	FinalizeInboundContext(ctx InboundContext) InboundContext
	DispatchReply(ctx context.Context, inbound InboundContext, deliver DeliverFunc) error
}

// Runtime bundles the host-side interfaces the channel depends on.
type Runtime struct {
	Router   AgentRouter
	Sessions SessionStore
	Replies  ReplyPipeline
}
