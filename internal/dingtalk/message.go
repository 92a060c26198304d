package dingtalk

import (
	"fmt"
	"regexp"
	"strings"
)

// InboundMessage is the robot callback payload delivered over the stream
// connection.
type InboundMessage struct {
	MsgID             string        `json:"msgId"`
	MsgType           string        `json:"msgtype"`
	Text              *TextContent  `json:"text,omitempty"`
	Content           *RichContent  `json:"content,omitempty"`
	SenderID          string        `json:"senderId"`
	SenderStaffID     string        `json:"senderStaffId"`
	SenderNick        string        `json:"senderNick"`
	ChatbotUserID     string        `json:"chatbotUserId"`
	ConversationID    string        `json:"conversationId"`
	ConversationType  string        `json:"conversationType"`
	ConversationTitle string        `json:"conversationTitle"`
	SessionWebhook    string        `json:"sessionWebhook"`
	CreateAt          int64         `json:"createAt"`
	OriginalMsgID     string        `json:"originalMsgId,omitempty"`
	QuoteMessage      *QuoteMessage `json:"quoteMessage,omitempty"`
}

// IsDirect reports whether the message came from a 1:1 chat.
// conversationType is "1" for direct and "2" for group.
func (m *InboundMessage) IsDirect() bool {
	return m.ConversationType == "1"
}

// Sender returns the preferred sender id: staff id when present.
func (m *InboundMessage) Sender() string {
	if m.SenderStaffID != "" {
		return m.SenderStaffID
	}
	return m.SenderID
}

// IsSelf reports whether the message was sent by the robot itself.
func (m *InboundMessage) IsSelf() bool {
	if m.ChatbotUserID == "" {
		return false
	}
	return m.SenderID == m.ChatbotUserID || m.SenderStaffID == m.ChatbotUserID
}

type TextContent struct {
	Content    string      `json:"content"`
	IsReplyMsg bool        `json:"isReplyMsg,omitempty"`
	RepliedMsg *RepliedMsg `json:"repliedMsg,omitempty"`
}

type RepliedMsg struct {
	Content *RepliedContent `json:"content,omitempty"`
}

type RepliedContent struct {
	Text     string         `json:"text,omitempty"`
	RichText []RichTextPart `json:"richText,omitempty"`
}

// RichTextPart is one component of a richText message. Inbound messages use
// the type field; replied-message snippets use msgType.
type RichTextPart struct {
	Type         string `json:"type,omitempty"`
	MsgType      string `json:"msgType,omitempty"`
	Text         string `json:"text,omitempty"`
	Content      string `json:"content,omitempty"`
	AtName       string `json:"atName,omitempty"`
	DownloadCode string `json:"downloadCode,omitempty"`
}

type RichContent struct {
	RichText     []RichTextPart `json:"richText,omitempty"`
	DownloadCode string         `json:"downloadCode,omitempty"`
	Recognition  string         `json:"recognition,omitempty"`
	FileName     string         `json:"fileName,omitempty"`
	QuoteContent string         `json:"quoteContent,omitempty"`
}

type QuoteMessage struct {
	Text *TextContent `json:"text,omitempty"`
}

// MessageContent is the normalized view of an inbound message for the
// dispatch pipeline.
type MessageContent struct {
	Text         string
	DownloadCode string
	MediaType    string
	MessageType  string
}

// ExtractContent normalizes an inbound message by msgtype: readable text,
// optional media download code, and a quoted-message prefix so the agent
// sees reply context.
func ExtractContent(msg *InboundMessage) MessageContent {
	msgtype := msg.MsgType
	if msgtype == "" {
		msgtype = "text"
	}

	quoted := quotedPrefix(msg)

	switch msgtype {
	case "text":
		return MessageContent{Text: quoted + textBody(msg), MessageType: "text"}

	case "richText":
		var parts []RichTextPart
		if msg.Content != nil {
			parts = msg.Content.RichText
		}
		var b strings.Builder
		var downloadCode string
		for _, part := range parts {
			if part.Text != "" && (part.Type == "text" || part.Type == "") {
				b.WriteString(part.Text)
			}
			if part.Type == "at" && part.AtName != "" {
				b.WriteString("@" + part.AtName + " ")
			}
			if part.Type == "picture" && part.DownloadCode != "" && downloadCode == "" {
				downloadCode = part.DownloadCode
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			if downloadCode != "" {
				text = "<media:image>"
			} else {
				text = "[富文本消息]"
			}
		}
		mediaType := ""
		if downloadCode != "" {
			mediaType = "image"
		}
		return MessageContent{
			Text:         quoted + text,
			DownloadCode: downloadCode,
			MediaType:    mediaType,
			MessageType:  "richText",
		}

	case "picture":
		return MessageContent{
			Text:         "<media:image>",
			DownloadCode: contentDownloadCode(msg),
			MediaType:    "image",
			MessageType:  "picture",
		}

	case "audio":
		text := "<media:voice>"
		if msg.Content != nil && msg.Content.Recognition != "" {
			text = msg.Content.Recognition
		}
		return MessageContent{
			Text:         text,
			DownloadCode: contentDownloadCode(msg),
			MediaType:    "audio",
			MessageType:  "audio",
		}

	case "video":
		return MessageContent{
			Text:         "<media:video>",
			DownloadCode: contentDownloadCode(msg),
			MediaType:    "video",
			MessageType:  "video",
		}

	case "file":
		name := "文件"
		if msg.Content != nil && msg.Content.FileName != "" {
			name = msg.Content.FileName
		}
		return MessageContent{
			Text:         fmt.Sprintf("<media:file> (%s)", name),
			DownloadCode: contentDownloadCode(msg),
			MediaType:    "file",
			MessageType:  "file",
		}
	}

	// Unknown msgtype: keep a readable marker.
	text := textBody(msg)
	if text == "" {
		text = fmt.Sprintf("[%s消息]", msgtype)
	}
	return MessageContent{Text: text, MessageType: msgtype}
}

func textBody(msg *InboundMessage) string {
	if msg.Text == nil {
		return ""
	}
	return strings.TrimSpace(msg.Text.Content)
}

func contentDownloadCode(msg *InboundMessage) string {
	if msg.Content == nil {
		return ""
	}
	return msg.Content.DownloadCode
}

// quotedPrefix renders reply/quote metadata as a text prefix. DingTalk
// clients ship four shapes: isReplyMsg with repliedMsg text or richText,
// bare originalMsgId, a quoteMessage block, and content.quoteContent.
func quotedPrefix(msg *InboundMessage) string {
	if msg.Text != nil && msg.Text.IsReplyMsg && msg.Text.RepliedMsg != nil {
		content := msg.Text.RepliedMsg.Content
		if content != nil {
			if quote := strings.TrimSpace(content.Text); quote != "" {
				return fmt.Sprintf("[引用消息: \"%s\"]\n\n", quote)
			}
			if len(content.RichText) > 0 {
				var parts []string
				for _, part := range content.RichText {
					switch {
					case part.MsgType == "text" && part.Content != "":
						parts = append(parts, part.Content)
					case part.MsgType == "emoji" || part.Type == "emoji":
						if part.Content != "" {
							parts = append(parts, part.Content)
						} else {
							parts = append(parts, "[表情]")
						}
					case part.MsgType == "picture" || part.Type == "picture":
						parts = append(parts, "[图片]")
					case part.MsgType == "at" || part.Type == "at":
						name := part.Content
						if name == "" {
							name = part.AtName
						}
						if name == "" {
							name = "某人"
						}
						parts = append(parts, "@"+name)
					case part.Text != "":
						parts = append(parts, part.Text)
					}
				}
				if quote := strings.TrimSpace(strings.Join(parts, "")); quote != "" {
					return fmt.Sprintf("[引用消息: \"%s\"]\n\n", quote)
				}
			}
		}
	}

	// Some clients only send originalMsgId for rich media replies.
	if msg.Text != nil && msg.Text.IsReplyMsg && msg.Text.RepliedMsg == nil && msg.OriginalMsgID != "" {
		return fmt.Sprintf("[这是一条引用消息，原消息ID: %s]\n\n", msg.OriginalMsgID)
	}

	if msg.QuoteMessage != nil && msg.QuoteMessage.Text != nil {
		if quote := strings.TrimSpace(msg.QuoteMessage.Text.Content); quote != "" {
			return fmt.Sprintf("[引用消息: \"%s\"]\n\n", quote)
		}
	}

	if msg.Content != nil && msg.Content.QuoteContent != "" {
		return fmt.Sprintf("[引用消息: \"%s\"]\n\n", msg.Content.QuoteContent)
	}

	return ""
}

var (
	markdownRe    = regexp.MustCompile("^[#*>-]|[*_`#\\[\\]]")
	titleStripRe  = regexp.MustCompile(`^[#*\s\->]+`)
	titleMaxRunes = 20
)

// DetectMarkdownAndTitle decides whether text should be sent as markdown
// and derives a card title within DingTalk's title length constraint. An
// explicit title wins; otherwise the first line is stripped of markdown
// punctuation and truncated.
func DetectMarkdownAndTitle(text, explicitTitle, defaultTitle string) (bool, string) {
	useMarkdown := markdownRe.MatchString(text) || strings.Contains(text, "\n")

	if explicitTitle != "" {
		return useMarkdown, explicitTitle
	}
	if !useMarkdown {
		return false, defaultTitle
	}

	firstLine, _, _ := strings.Cut(text, "\n")
	title := titleStripRe.ReplaceAllString(firstLine, "")
	if runes := []rune(title); len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes])
	}
	if title == "" {
		title = defaultTitle
	}
	return true, title
}
