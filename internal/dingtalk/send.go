package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

// Default titles for markdown payloads without an explicit title.
const (
	defaultSessionTitle   = "Clawdbot 消息"
	defaultProactiveTitle = "OpenClaw 提醒"
)

// SendOptions tune a single outbound send.
type SendOptions struct {
	Title     string
	AtUserID  string
	MediaPath string
	MediaType string
}

// SendService delivers outbound messages, both replies through a session
// webhook and proactive sends through the robot messaging API.
type SendService struct {
	client *Client
	tokens *TokenCache
	peers  *PeerRegistry
	media  *MediaService
	log    *slog.Logger
}

func NewSendService(client *Client, tokens *TokenCache, peers *PeerRegistry, media *MediaService, log *slog.Logger) *SendService {
	return &SendService{
		client: client,
		tokens: tokens,
		peers:  peers,
		media:  media,
		log:    log.With(slog.String("component", "dingtalk.send")),
	}
}

type sessionMessage struct {
	MsgType  string         `json:"msgtype"`
	Text     *textBlock     `json:"text,omitempty"`
	Markdown *markdownBlock `json:"markdown,omitempty"`
	Image    *mediaBlock    `json:"image,omitempty"`
	Voice    *mediaBlock    `json:"voice,omitempty"`
	Video    *mediaBlock    `json:"video,omitempty"`
	File     *mediaBlock    `json:"file,omitempty"`
	At       *atBlock       `json:"at,omitempty"`
}

type textBlock struct {
	Content string `json:"content"`
}

type markdownBlock struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type mediaBlock struct {
	MediaID string `json:"media_id"`
}

type atBlock struct {
	AtUserIDs []string `json:"atUserIds"`
	IsAtAll   bool     `json:"isAtAll"`
}

// SendBySession posts a reply into an existing conversation through its
// session webhook. Media is uploaded and sent natively when provided;
// otherwise the text goes out as markdown or plain text by auto-detection.
func (s *SendService) SendBySession(ctx context.Context, cfg config.AccountConfig, sessionWebhook, text string, opts SendOptions) error {
	token, err := s.tokens.Token(ctx, cfg)
	if err != nil {
		return err
	}

	if opts.MediaPath != "" && opts.MediaType != "" {
		mediaID, err := s.media.Upload(ctx, cfg, opts.MediaPath, opts.MediaType)
		if err != nil {
			s.log.Warn("media upload failed, falling back to text", slog.Any("error", err))
		} else if body := sessionMediaMessage(opts.MediaType, mediaID); body != nil {
			return s.client.PostURL(ctx, sessionWebhook, token, body, nil)
		}
	}

	useMarkdown, title := DetectMarkdownAndTitle(text, opts.Title, defaultSessionTitle)

	var body sessionMessage
	if useMarkdown {
		finalText := text
		if opts.AtUserID != "" {
			finalText = finalText + " @" + opts.AtUserID
		}
		body = sessionMessage{
			MsgType:  "markdown",
			Markdown: &markdownBlock{Title: title, Text: finalText},
		}
	} else {
		body = sessionMessage{MsgType: "text", Text: &textBlock{Content: text}}
	}
	if opts.AtUserID != "" {
		body.At = &atBlock{AtUserIDs: []string{opts.AtUserID}, IsAtAll: false}
	}

	return s.client.PostURL(ctx, sessionWebhook, token, body, nil)
}

func sessionMediaMessage(mediaType, mediaID string) *sessionMessage {
	block := &mediaBlock{MediaID: mediaID}
	switch mediaType {
	case "image":
		return &sessionMessage{MsgType: "image", Image: block}
	case "voice":
		return &sessionMessage{MsgType: "voice", Voice: block}
	case "video":
		return &sessionMessage{MsgType: "video", Video: block}
	case "file":
		return &sessionMessage{MsgType: "file", File: block}
	}
	return nil
}

// StripTargetPrefix removes the group:/user: CLI targeting prefix and
// reports whether the caller explicitly requested a user target.
func StripTargetPrefix(target string) (string, bool) {
	if rest, ok := strings.CutPrefix(target, "group:"); ok {
		return rest, false
	}
	if rest, ok := strings.CutPrefix(target, "user:"); ok {
		return rest, true
	}
	return target, false
}

// msgParam template bodies. Field order matches the documented template
// shapes so serialized params stay byte-stable.
type (
	markdownParam struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	textParam struct {
		Content string `json:"content"`
	}
	imageParam struct {
		PhotoURL string `json:"photoURL"`
	}
	audioParam struct {
		MediaID  string `json:"mediaId"`
		Duration string `json:"duration"`
	}
	fileParam struct {
		MediaID  string `json:"mediaId"`
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
	}
)

type proactivePayload struct {
	RobotCode          string   `json:"robotCode"`
	MsgKey             string   `json:"msgKey"`
	MsgParam           string   `json:"msgParam"`
	OpenConversationID string   `json:"openConversationId,omitempty"`
	UserIDs            []string `json:"userIds,omitempty"`
}

// resolveProactiveTarget restores original peer casing and classifies the
// target: group conversation ids carry a "cid" prefix.
func (s *SendService) resolveProactiveTarget(target string) (string, bool) {
	targetID, explicitUser := StripTargetPrefix(target)
	resolved := s.peers.Resolve(targetID)
	isGroup := !explicitUser && strings.HasPrefix(resolved, "cid")
	return resolved, isGroup
}

func proactiveURL(isGroup bool) string {
	if isGroup {
		return "/v1.0/robot/groupMessages/send"
	}
	return "/v1.0/robot/oToMessages/batchSend"
}

// SendProactive sends a message without an existing inbound session, using
// the robot template API: sampleMarkdown or sampleText depending on content.
func (s *SendService) SendProactive(ctx context.Context, cfg config.AccountConfig, target, text string, opts SendOptions) error {
	token, err := s.tokens.Token(ctx, cfg)
	if err != nil {
		return err
	}

	resolved, isGroup := s.resolveProactiveTarget(target)
	useMarkdown, title := DetectMarkdownAndTitle(text, opts.Title, defaultProactiveTitle)

	msgKey := "sampleText"
	var param any = textParam{Content: text}
	if useMarkdown {
		msgKey = "sampleMarkdown"
		param = markdownParam{Title: title, Text: text}
	}
	msgParam, err := json.Marshal(param)
	if err != nil {
		return fmt.Errorf("encode msgParam: %w", err)
	}

	s.log.Debug("sending proactive message",
		slog.String("target", resolved),
		slog.Bool("group", isGroup),
		slog.String("title", title))

	payload := proactivePayload{
		RobotCode: cfg.RobotIdentity(),
		MsgKey:    msgKey,
		MsgParam:  string(msgParam),
	}
	if isGroup {
		payload.OpenConversationID = resolved
	} else {
		payload.UserIDs = []string{resolved}
	}

	return s.client.PostJSON(ctx, proactiveURL(isGroup), token, payload, nil)
}

// SendProactiveMedia uploads a local media file and sends it proactively.
// Returns the platform message id when the API reports one.
func (s *SendService) SendProactiveMedia(ctx context.Context, cfg config.AccountConfig, target, mediaPath, mediaType string) (string, error) {
	mediaID, err := s.media.Upload(ctx, cfg, mediaPath, mediaType)
	if err != nil {
		return "", err
	}

	token, err := s.tokens.Token(ctx, cfg)
	if err != nil {
		return "", err
	}

	resolved, isGroup := s.resolveProactiveTarget(target)

	var msgKey string
	var param any
	switch mediaType {
	case "image":
		msgKey = "sampleImageMsg"
		param = imageParam{PhotoURL: mediaID}
	case "voice":
		msgKey = "sampleAudio"
		param = audioParam{MediaID: mediaID, Duration: "0"}
	default:
		// sampleVideo requires picMediaId; sampleFile is broadly compatible.
		ext := strings.TrimPrefix(filepath.Ext(mediaPath), ".")
		if ext == "" {
			if mediaType == "video" {
				ext = "mp4"
			} else {
				ext = "file"
			}
		}
		msgKey = "sampleFile"
		param = fileParam{
			MediaID:  mediaID,
			FileName: filepath.Base(mediaPath),
			FileType: ext,
		}
	}
	msgParam, err := json.Marshal(param)
	if err != nil {
		return "", fmt.Errorf("encode msgParam: %w", err)
	}

	payload := proactivePayload{
		RobotCode: cfg.RobotIdentity(),
		MsgKey:    msgKey,
		MsgParam:  string(msgParam),
	}
	if isGroup {
		payload.OpenConversationID = resolved
	} else {
		payload.UserIDs = []string{resolved}
	}

	s.log.Debug("sending proactive media",
		slog.String("target", resolved),
		slog.Bool("group", isGroup),
		slog.String("mediaType", mediaType))

	var resp struct {
		ProcessQueryKey string `json:"processQueryKey"`
		MessageID       string `json:"messageId"`
	}
	if err := s.client.PostJSON(ctx, proactiveURL(isGroup), token, payload, &resp); err != nil {
		return "", err
	}
	if resp.ProcessQueryKey != "" {
		return resp.ProcessQueryKey, nil
	}
	return resp.MessageID, nil
}
