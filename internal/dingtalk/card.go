package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

var (
	// ErrCardTemplateMissing is returned when card mode is requested but no
	// template id is configured.
	ErrCardTemplateMissing = errors.New("card template id is not configured")
	// ErrTemplateKeyMismatch wraps a 500 unknownError from the streaming
	// endpoint, which in practice means the configured template key does
	// not match a variable in the card template.
	ErrTemplateKeyMismatch = errors.New("card template key mismatch")
)

// Streaming tokens are refreshed proactively before DingTalk's 2h token
// horizon so a long-running reply never streams with a stale token.
const cardTokenRefreshHorizon = 90 * time.Minute

// Thinking/tool snippets are truncated to keep card updates compact.
const thinkingTruncateRunes = 500

type cardCreateRequest struct {
	CardTemplateID          string                `json:"cardTemplateId"`
	OutTrackID              string                `json:"outTrackId"`
	CardData                cardData              `json:"cardData"`
	CallbackType            string                `json:"callbackType"`
	IMGroupOpenSpaceModel   supportForwardModel   `json:"imGroupOpenSpaceModel"`
	IMRobotOpenSpaceModel   supportForwardModel   `json:"imRobotOpenSpaceModel"`
	OpenSpaceID             string                `json:"openSpaceId"`
	UserIDType              int                   `json:"userIdType"`
	IMGroupOpenDeliverModel *groupDeliverModel    `json:"imGroupOpenDeliverModel,omitempty"`
	IMRobotOpenDeliverModel *robotSpaceTypeDeliver `json:"imRobotOpenDeliverModel,omitempty"`
}

type cardData struct {
	CardParamMap map[string]string `json:"cardParamMap"`
}

type supportForwardModel struct {
	SupportForward bool `json:"supportForward"`
}

type groupDeliverModel struct {
	RobotCode string `json:"robotCode"`
}

type robotSpaceTypeDeliver struct {
	SpaceType string `json:"spaceType"`
}

type cardStreamRequest struct {
	OutTrackID string `json:"outTrackId"`
	GUID       string `json:"guid"`
	Key        string `json:"key"`
	Content    string `json:"content"`
	IsFull     bool   `json:"isFull"`
	IsFinalize bool   `json:"isFinalize"`
	IsError    bool   `json:"isError"`
}

// CardService creates AI cards and streams content into them.
type CardService struct {
	client *Client
	tokens *TokenCache
	store  *CardStore
	send   *SendService
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewCardService(client *Client, tokens *TokenCache, store *CardStore, send *SendService, log *slog.Logger) *CardService {
	return &CardService{
		client: client,
		tokens: tokens,
		store:  store,
		send:   send,
		log:    log.With(slog.String("component", "dingtalk.card")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Store exposes the underlying card store for sweeps and status reporting.
func (s *CardService) Store() *CardStore {
	return s.store
}

// Create delivers a new AI card into the conversation via the
// createAndDeliver API and registers it as the conversation's active card.
func (s *CardService) Create(ctx context.Context, cfg config.AccountConfig, conversationID, accountID string) (*CardInstance, error) {
	if strings.TrimSpace(cfg.CardTemplateID) == "" {
		return nil, ErrCardTemplateMissing
	}

	token, err := s.tokens.Token(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cardID := "card_" + s.newID()
	isGroup := strings.HasPrefix(conversationID, "cid")

	req := cardCreateRequest{
		CardTemplateID:        cfg.CardTemplateID,
		OutTrackID:            cardID,
		CardData:              cardData{CardParamMap: map[string]string{}},
		CallbackType:          "STREAM",
		IMGroupOpenSpaceModel: supportForwardModel{SupportForward: true},
		IMRobotOpenSpaceModel: supportForwardModel{SupportForward: true},
		UserIDType:            1,
	}
	if isGroup {
		req.OpenSpaceID = "dtv1.card//IM_GROUP." + conversationID
		req.IMGroupOpenDeliverModel = &groupDeliverModel{RobotCode: cfg.RobotIdentity()}
		if cfg.RobotCode == "" {
			s.log.Warn("robotCode not configured, using clientId as fallback",
				slog.String("conversationId", conversationID))
		}
	} else {
		req.OpenSpaceID = "dtv1.card//IM_ROBOT." + conversationID
		req.IMRobotOpenDeliverModel = &robotSpaceTypeDeliver{SpaceType: "IM_ROBOT"}
	}

	s.log.Info("creating and delivering card", slog.String("outTrackId", cardID))
	if err := s.client.PostJSON(ctx, "/v1.0/card/instances/createAndDeliver", token, req, nil); err != nil {
		s.log.Error("card create failed", slog.Any("error", err))
		return nil, fmt.Errorf("create card: %w", err)
	}

	now := s.now()
	card := &CardInstance{
		ID:               cardID,
		AccessToken:      token,
		ConversationID:   conversationID,
		AccountID:        accountID,
		CreatedAt:        now,
		LastUpdated:      now,
		TokenRefreshedAt: now,
		State:            CardStateProcessing,
	}
	card.Config = cfg
	s.store.Put(card)
	s.log.Debug("registered active card",
		slog.String("target", card.TargetKey()), slog.String("cardId", cardID))

	return card, nil
}

// Stream pushes a full-replacement content update into the card. On 401 it
// refreshes the token and retries once; a 500 unknownError marks the card
// FAILED and notifies the user that the template key likely mismatches.
func (s *CardService) Stream(ctx context.Context, cardID, content string, finished bool) error {
	card, ok := s.store.Get(cardID)
	if !ok {
		return fmt.Errorf("card %s not found", cardID)
	}

	// Proactive refresh; failure is non-fatal since the current token may
	// still be valid.
	if s.now().Sub(card.TokenRefreshedAt) > cardTokenRefreshHorizon {
		if token, err := s.tokens.Token(ctx, card.Config); err != nil {
			s.log.Warn("card token refresh failed", slog.Any("error", err))
		} else {
			s.store.SetToken(cardID, token, s.now())
			card.AccessToken = token
		}
	}

	req := cardStreamRequest{
		OutTrackID: card.ID,
		GUID:       s.newID(),
		Key:        card.templateKey(),
		Content:    content,
		IsFull:     true,
		IsFinalize: finished,
		IsError:    false,
	}

	s.log.Debug("streaming card update",
		slog.String("cardId", card.ID),
		slog.Int("contentLen", len(content)),
		slog.Bool("isFinalize", finished))

	err := s.client.PutJSON(ctx, "/v1.0/card/streaming", card.AccessToken, req, nil)
	if err == nil {
		s.store.Advance(cardID, finished, s.now())
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 500 && apiErr.Code == "unknownError" {
			s.log.Error("card streaming failed with 500 unknownError, template key likely mismatches",
				slog.String("key", req.Key),
				slog.String("templateId", card.Config.CardTemplateID))
			s.store.Fail(cardID, s.now())
			s.notifyTemplateMismatch(ctx, card, req.Key)
			return fmt.Errorf("stream card: %w: %w", ErrTemplateKeyMismatch, err)
		}

		if apiErr.StatusCode == 401 {
			s.log.Warn("card streaming got 401, refreshing token and retrying once")
			s.tokens.Invalidate(card.Config.ClientID)
			token, tokenErr := s.tokens.Token(ctx, card.Config)
			if tokenErr == nil {
				s.store.SetToken(cardID, token, s.now())
				if retryErr := s.client.PutJSON(ctx, "/v1.0/card/streaming", token, req, nil); retryErr == nil {
					s.store.Advance(cardID, finished, s.now())
					return nil
				}
			}
		}
	}

	s.store.Fail(cardID, s.now())
	s.log.Error("card streaming update failed", slog.Any("error", err))
	return fmt.Errorf("stream card: %w", err)
}

// Finish finalizes the card with one last full-content update.
func (s *CardService) Finish(ctx context.Context, cardID, content string) error {
	return s.Stream(ctx, cardID, content, true)
}

func (c *CardInstance) templateKey() string {
	if c.Config.CardTemplateKey != "" {
		return c.Config.CardTemplateKey
	}
	return "content"
}

// notifyTemplateMismatch sends a direct markdown diagnostic to the user so
// the misconfiguration is visible outside the logs. Failures are swallowed.
func (s *CardService) notifyTemplateMismatch(ctx context.Context, card CardInstance, usedKey string) {
	templateID := card.Config.CardTemplateID
	if templateID == "" {
		templateID = "(unknown)"
	}
	text := "⚠️ **[DingTalk] AI Card 串流更新失败 (500 unknownError)**\n\n" +
		fmt.Sprintf("这通常是因为 `cardTemplateKey` (当前值: `%s`) 与钉钉卡片模板 `%s` 中定义的正文变量名不匹配。\n\n", usedKey, templateID) +
		"**建议操作**：\n" +
		"1. 前往钉钉开发者后台检查该模板的“变量管理”\n" +
		"2. 确保配置中的 `cardTemplateKey` 与模板中用于显示内容的字段变量名完全一致\n\n" +
		"*注意：当前及后续消息将自动转为 Markdown 发送，直到问题修复。*"

	err := s.send.SendProactive(ctx, card.Config, card.ConversationID, text, SendOptions{Title: "OpenClaw 提醒"})
	if err != nil {
		s.log.Warn("failed to send template mismatch notification", slog.Any("error", err))
	}
}

// FormatThinkingContent renders an intermediate thinking or tool snippet as
// quoted markdown for card seeding, truncated to keep updates compact.
func FormatThinkingContent(content, kind string) string {
	if content == "" {
		return ""
	}

	runes := []rune(content)
	truncated := content
	if len(runes) > thinkingTruncateRunes {
		truncated = string(runes[:thinkingTruncateRunes]) + "…"
	}

	lines := strings.Split(truncated, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}

	emoji, label := "🛠️", "工具执行"
	if kind == "thinking" {
		emoji, label = "🤔", "思考中"
	}
	return fmt.Sprintf("%s **%s**\n%s", emoji, label, strings.Join(lines, "\n"))
}
