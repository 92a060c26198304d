package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/soimy/openclaw-channel-dingtalk/internal/channel"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusHandler struct {
	gateway *channel.Gateway
}

func NewStatusHandler(gateway *channel.Gateway) *StatusHandler {
	return &StatusHandler{gateway: gateway}
}

func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/status", h.ListStatuses)
	e.GET("/status/:account", h.GetStatus)
	e.POST("/status/:account/probe", h.Probe)
}

type accountStatusResponse struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name,omitempty"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	StartedAt string `json:"startedAt,omitempty"`
}

func statusResponse(s channel.AccountStatus) accountStatusResponse {
	resp := accountStatusResponse{
		AccountID: s.AccountID,
		Name:      s.Name,
		Enabled:   s.Enabled,
		Running:   s.Running,
		State:     s.State,
	}
	if !s.StartedAt.IsZero() {
		resp.StartedAt = s.StartedAt.Format(time.RFC3339)
	}
	return resp
}

func (h *StatusHandler) ListStatuses(c echo.Context) error {
	statuses := h.gateway.Statuses()
	out := make([]accountStatusResponse, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, statusResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *StatusHandler) GetStatus(c echo.Context) error {
	accountID := c.Param("account")
	for _, s := range h.gateway.Statuses() {
		if s.AccountID == accountID {
			return c.JSON(http.StatusOK, statusResponse(s))
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "account not found")
}

type probeResponse struct {
	OK       bool   `json:"ok"`
	ClientID string `json:"clientId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Probe verifies the account's credentials against the platform.
func (h *StatusHandler) Probe(c echo.Context) error {
	result := h.gateway.Probe(c.Request().Context(), c.Param("account"))
	return c.JSON(http.StatusOK, probeResponse{
		OK:       result.OK,
		ClientID: result.ClientID,
		Error:    result.Error,
	})
}
