package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
)

const thinkingFeedback = "> 🤔 **正在思考中，请稍候...**"

// Pipeline dispatches inbound robot messages: ack-side filtering, dedup,
// access control, media download, session recording and reply delivery.
type Pipeline struct {
	accountID string
	cfg       config.AccountConfig
	runtime   Runtime
	dedup     *dingtalk.DedupStore
	peers     *dingtalk.PeerRegistry
	cards     *dingtalk.CardService
	send      *dingtalk.SendService
	media     *dingtalk.MediaService
	log       *slog.Logger
}

func NewPipeline(
	accountID string,
	cfg config.AccountConfig,
	runtime Runtime,
	dedup *dingtalk.DedupStore,
	peers *dingtalk.PeerRegistry,
	cards *dingtalk.CardService,
	send *dingtalk.SendService,
	media *dingtalk.MediaService,
	log *slog.Logger,
) *Pipeline {
	return &Pipeline{
		accountID: accountID,
		cfg:       cfg,
		runtime:   runtime,
		dedup:     dedup,
		peers:     peers,
		cards:     cards,
		send:      send,
		media:     media,
		log: log.With(
			slog.String("component", "channel.inbound"),
			slog.String("account", accountID)),
	}
}

// HandleRaw decodes a callback payload and runs the pipeline. Decode
// failures are logged and dropped; the frame was already acknowledged.
func (p *Pipeline) HandleRaw(ctx context.Context, raw []byte) {
	if p.cfg.Debug {
		var generic any
		if err := json.Unmarshal(raw, &generic); err == nil {
			masked, _ := json.Marshal(dingtalk.MaskSensitiveData(generic))
			p.log.Debug("inbound payload", slog.String("data", string(masked)))
		}
	}

	var msg dingtalk.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.log.Error("failed to decode inbound message", slog.Any("error", err))
		return
	}
	if err := p.Handle(ctx, &msg); err != nil {
		p.log.Error("error processing message", slog.Any("error", err))
	}
}

// Handle runs one inbound message through the dispatch pipeline.
func (p *Pipeline) Handle(ctx context.Context, msg *dingtalk.InboundMessage) error {
	if msg.IsSelf() {
		p.log.Debug("ignoring robot self-message")
		return nil
	}

	dedupKey := p.cfg.RobotIdentity() + ":" + msg.MsgID
	if msg.MsgID != "" && p.dedup.IsProcessed(dedupKey) {
		p.log.Debug("duplicate message skipped", slog.String("msgId", msg.MsgID))
		return nil
	}

	content := dingtalk.ExtractContent(msg)
	if content.Text == "" {
		return nil
	}

	isDirect := msg.IsDirect()
	senderID := msg.Sender()

	if isDirect && !p.dmAllowed(senderID) {
		p.log.Info("sender not allowed", slog.String("senderId", senderID))
		p.sendAccessDenied(ctx, msg, senderID)
		return nil
	}

	if msg.MsgID != "" {
		p.dedup.MarkProcessed(dedupKey)
	}

	// Preserve original casing of both ids for later outbound targeting.
	p.peers.Register(msg.ConversationID)
	p.peers.Register(senderID)

	mediaPath, mediaType := p.downloadMedia(ctx, content)
	if mediaPath != "" {
		defer func() {
			if err := os.Remove(mediaPath); err != nil && !os.IsNotExist(err) {
				p.log.Debug("temp file cleanup failed", slog.Any("error", err))
			}
		}()
	}

	senderName := msg.SenderNick
	if senderName == "" {
		senderName = "Unknown"
	}
	groupName := msg.ConversationTitle
	if groupName == "" {
		groupName = "Group"
	}

	peerKind, peerID := PeerKindGroup, msg.ConversationID
	if isDirect {
		peerKind, peerID = PeerKindDM, senderID
	}

	route, err := p.runtime.Router.ResolveAgentRoute(ctx, RouteQuery{
		Channel:   ChannelName,
		AccountID: p.accountID,
		PeerKind:  peerKind,
		PeerID:    peerID,
	})
	if err != nil {
		return fmt.Errorf("resolve agent route: %w", err)
	}

	storePath := p.runtime.Sessions.ResolveStorePath(route.AgentID)
	prevTimestamp, hasPrev := p.runtime.Sessions.ReadSessionUpdatedAt(storePath, route.SessionKey)

	fromLabel := fmt.Sprintf("%s (%s)", senderName, senderID)
	chatType := "direct"
	if !isDirect {
		fromLabel = fmt.Sprintf("%s - %s", groupName, senderName)
		chatType = "group"
	}

	timestamp := time.UnixMilli(msg.CreateAt)
	body := p.runtime.Replies.FormatInboundEnvelope(EnvelopeParams{
		Channel:           "DingTalk",
		From:              fromLabel,
		Timestamp:         timestamp,
		Body:              content.Text,
		ChatType:          chatType,
		SenderName:        senderName,
		SenderID:          senderID,
		PreviousTimestamp: prevTimestamp,
		HasPrevious:       hasPrev,
	})

	to := msg.ConversationID
	if isDirect {
		to = senderID
	}
	ictx := p.runtime.Replies.FinalizeInboundContext(InboundContext{
		Body:              body,
		RawBody:           content.Text,
		CommandBody:       content.Text,
		From:              to,
		To:                to,
		SessionKey:        route.SessionKey,
		AccountID:         p.accountID,
		ChatType:          chatType,
		ConversationLabel: fromLabel,
		GroupSubject:      groupSubject(isDirect, groupName),
		SenderName:        senderName,
		SenderID:          senderID,
		MessageID:         msg.MsgID,
		Timestamp:         timestamp,
		MediaPath:         mediaPath,
		MediaType:         mediaType,
	})

	sessionKey := ictx.SessionKey
	if sessionKey == "" {
		sessionKey = route.SessionKey
	}
	err = p.runtime.Sessions.RecordInboundSession(ctx, RecordParams{
		StorePath:  storePath,
		SessionKey: sessionKey,
		Ctx:        ictx,
		LastRoute: LastRoute{
			SessionKey: route.MainSessionKey,
			Channel:    ChannelName,
			To:         to,
			AccountID:  p.accountID,
		},
	})
	if err != nil {
		return fmt.Errorf("record inbound session: %w", err)
	}

	p.log.Info("inbound message",
		slog.String("from", senderName),
		slog.String("chatType", chatType),
		slog.String("preview", preview(content.Text)))

	atUser := ""
	if !isDirect {
		atUser = senderID
	}

	card := p.prepareCard(ctx, msg)
	p.sendThinkingFeedback(ctx, msg, card, atUser)

	var delivered strings.Builder
	deliver := func(ctx context.Context, payload ReplyPayload) DeliverResult {
		text := payload.Content()
		if text == "" {
			return DeliverResult{OK: true}
		}
		if delivered.Len() > 0 {
			delivered.WriteString("\n\n")
		}
		delivered.WriteString(text)

		if card != nil {
			err := p.cards.Stream(ctx, card.ID, delivered.String(), false)
			if err == nil {
				return DeliverResult{OK: true}
			}
			// Card streaming broke: fall back to the session webhook so the
			// reply is not lost.
			p.log.Warn("card streaming failed, falling back to session send",
				slog.Any("error", err))
			card = nil
		}

		if err := p.send.SendBySession(ctx, p.cfg, msg.SessionWebhook, text, dingtalk.SendOptions{AtUserID: atUser}); err != nil {
			p.log.Error("reply delivery failed", slog.Any("error", err))
			return DeliverResult{OK: false, Error: err.Error()}
		}
		return DeliverResult{OK: true}
	}

	dispatchErr := p.runtime.Replies.DispatchReply(ctx, ictx, deliver)

	if card != nil && delivered.Len() > 0 {
		if err := p.cards.Finish(ctx, card.ID, delivered.String()); err != nil {
			p.log.Warn("card finalize failed", slog.Any("error", err))
		}
	}

	if dispatchErr != nil {
		return fmt.Errorf("dispatch reply: %w", dispatchErr)
	}
	return nil
}

func groupSubject(isDirect bool, groupName string) string {
	if isDirect {
		return ""
	}
	return groupName
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return text
}

func (p *Pipeline) dmAllowed(senderID string) bool {
	switch p.cfg.EffectiveDMPolicy() {
	case config.DMPolicyOpen:
		return true
	default:
		// allowlist and pairing both require an explicit entry; pairing
		// approvals land in allowFrom once granted.
		return dingtalk.NormalizeAllowFrom(p.cfg.AllowFrom).AllowsSender(senderID)
	}
}

// sendAccessDenied tells the sender their own id so an admin can approve
// them. Best effort.
func (p *Pipeline) sendAccessDenied(ctx context.Context, msg *dingtalk.InboundMessage, senderID string) {
	if msg.SessionWebhook == "" {
		return
	}
	text := fmt.Sprintf("您尚未获得使用权限。您的 ID: `%s`\n请联系管理员使用 `/allow dingtalk:%s` 批准。", senderID, senderID)
	if err := p.send.SendBySession(ctx, p.cfg, msg.SessionWebhook, text, dingtalk.SendOptions{}); err != nil {
		p.log.Debug("access denied notice failed", slog.Any("error", err))
	}
}

func (p *Pipeline) downloadMedia(ctx context.Context, content dingtalk.MessageContent) (string, string) {
	if content.DownloadCode == "" || p.cfg.RobotCode == "" {
		return "", ""
	}
	path, mimeType, err := p.media.Download(ctx, p.cfg, content.DownloadCode)
	if err != nil {
		p.log.Warn("media download failed", slog.Any("error", err))
		return "", ""
	}
	return path, mimeType
}

// prepareCard creates an AI card for the reply when card mode is enabled.
// Failure degrades to markdown delivery.
func (p *Pipeline) prepareCard(ctx context.Context, msg *dingtalk.InboundMessage) *dingtalk.CardInstance {
	if p.cfg.EffectiveMessageType() != config.MessageTypeCard {
		return nil
	}
	card, err := p.cards.Create(ctx, p.cfg, msg.ConversationID, p.accountID)
	if err != nil {
		p.log.Warn("card create failed, replies fall back to markdown", slog.Any("error", err))
		return nil
	}
	return card
}

func (p *Pipeline) sendThinkingFeedback(ctx context.Context, msg *dingtalk.InboundMessage, card *dingtalk.CardInstance, atUser string) {
	if !p.cfg.ShowThinkingEnabled() {
		return
	}

	if card != nil {
		seed := dingtalk.FormatThinkingContent("正在思考中，请稍候...", "thinking")
		if err := p.cards.Stream(ctx, card.ID, seed, false); err != nil {
			p.log.Debug("card thinking seed failed", slog.Any("error", err))
		}
		return
	}

	if msg.SessionWebhook == "" {
		return
	}
	err := p.send.SendBySession(ctx, p.cfg, msg.SessionWebhook, thinkingFeedback, dingtalk.SendOptions{AtUserID: atUser})
	if err != nil {
		p.log.Debug("thinking message failed", slog.Any("error", err))
	}
}
