package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/soimy/openclaw-channel-dingtalk/internal/channel"
	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

type MessageHandler struct {
	gateway *channel.Gateway
}

func NewMessageHandler(gateway *channel.Gateway) *MessageHandler {
	return &MessageHandler{gateway: gateway}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/accounts/:account/messages", h.SendMessage)
}

type sendMessageRequest struct {
	To        string `json:"to"`
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"mediaPath,omitempty"`
}

type sendMessageResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendMessage delivers a proactive message. Targets accept the group:/user:
// prefix; a text body goes out as markdown or plain text, a media path is
// uploaded and sent natively.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	accountID := c.Param("account")
	if accountID == "" {
		accountID = config.DefaultAccountID
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.To) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to is required")
	}
	if req.Text == "" && req.MediaPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text or mediaPath is required")
	}

	var result channel.SendResult
	if req.MediaPath != "" {
		result = h.gateway.SendMedia(c.Request().Context(), accountID, req.To, req.MediaPath)
	} else {
		result = h.gateway.SendText(c.Request().Context(), accountID, req.To, req.Text)
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadGateway
	}
	return c.JSON(status, sendMessageResponse{
		OK:        result.OK,
		MessageID: result.MessageID,
		Error:     result.Error,
	})
}
