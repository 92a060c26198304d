package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
)

// TopicRobotMessage is the callback topic for inbound robot messages.
const TopicRobotMessage = "/v1.0/im/bot/messages/get"

// Stream frame types.
const (
	FrameTypeSystem   = "SYSTEM"
	FrameTypeCallback = "CALLBACK"
	FrameTypeEvent    = "EVENT"
)

const streamUserAgent = "openclaw-channel-dingtalk/1.0"

// Frame is one message on the stream connection.
type Frame struct {
	SpecVersion string       `json:"specVersion,omitempty"`
	Type        string       `json:"type,omitempty"`
	Headers     FrameHeaders `json:"headers"`
	Data        string       `json:"data,omitempty"`
}

type FrameHeaders struct {
	Topic       string `json:"topic,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type frameResponse struct {
	Code    int          `json:"code"`
	Headers FrameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data"`
}

type gatewayRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	UA            string         `json:"ua"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type gatewayResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// StreamClient is a websocket client for DingTalk stream mode. It opens a
// connection through the gateway, acknowledges callback frames immediately
// and hands their payloads to the registered handler.
type StreamClient struct {
	cfg    config.AccountConfig
	client *dingtalk.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    chan struct{}

	onClose  func(error)
	callback func(Frame)
}

func NewStreamClient(cfg config.AccountConfig, client *dingtalk.Client, log *slog.Logger) *StreamClient {
	return &StreamClient{
		cfg:    cfg,
		client: client,
		dialer: websocket.DefaultDialer,
		log:    log.With(slog.String("component", "dingtalk.stream")),
	}
}

// OnCallback registers the handler for CALLBACK frames. Must be set before
// Connect.
func (s *StreamClient) OnCallback(fn func(Frame)) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

// OnClose registers the handler invoked when the connection drops.
func (s *StreamClient) OnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Connected reports whether the websocket is currently up.
func (s *StreamClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect opens the gateway, dials the returned endpoint and starts the
// read loop.
func (s *StreamClient) Connect(ctx context.Context) error {
	var gw gatewayResponse
	err := s.client.PostJSON(ctx, "/v1.0/gateway/connections/open", "", gatewayRequest{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		UA:           streamUserAgent,
		Subscriptions: []subscription{
			{Type: "CALLBACK", Topic: TopicRobotMessage},
		},
	}, &gw)
	if err != nil {
		return fmt.Errorf("open gateway connection: %w", err)
	}
	if gw.Endpoint == "" || gw.Ticket == "" {
		return fmt.Errorf("gateway response missing endpoint or ticket")
	}

	wsURL := gw.Endpoint + "?ticket=" + gw.Ticket
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial stream endpoint: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial stream endpoint: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.closed = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("stream connection established", slog.String("clientId", s.cfg.ClientID))
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the websocket and waits for the read loop to exit.
// Safe to call when not connected.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	done := s.closed
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (s *StreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClosed(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("dropping malformed stream frame", slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case FrameTypeSystem:
			s.handleSystemFrame(conn, frame)
		case FrameTypeCallback, FrameTypeEvent:
			// Ack first so the platform does not redeliver while the
			// handler runs.
			s.ack(conn, frame, `{"success":true}`)
			s.dispatch(frame)
		default:
			s.log.Debug("ignoring stream frame", slog.String("type", frame.Type))
		}
	}
}

func (s *StreamClient) handleSystemFrame(conn *websocket.Conn, frame Frame) {
	switch frame.Headers.Topic {
	case "ping":
		// Pong echoes the ping payload back.
		s.ack(conn, frame, frame.Data)
	case "disconnect":
		s.log.Info("server requested disconnect")
	default:
		s.log.Debug("system frame", slog.String("topic", frame.Headers.Topic))
	}
}

func (s *StreamClient) ack(conn *websocket.Conn, frame Frame, data string) {
	resp := frameResponse{
		Code: 200,
		Headers: FrameHeaders{
			MessageID:   frame.Headers.MessageID,
			ContentType: "application/json",
		},
		Message: "OK",
		Data:    data,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode frame ack", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Warn("write frame ack failed", slog.Any("error", err))
	}
}

func (s *StreamClient) dispatch(frame Frame) {
	s.mu.Lock()
	handler := s.callback
	s.mu.Unlock()
	if handler == nil {
		s.log.Warn("no callback handler registered", slog.String("topic", frame.Headers.Topic))
		return
	}
	go handler(frame)
}

func (s *StreamClient) handleClosed(err error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.conn = nil
	onClose := s.onClose
	if s.closed != nil {
		close(s.closed)
		s.closed = nil
	}
	s.mu.Unlock()

	if !wasConnected {
		return
	}
	s.log.Warn("stream connection closed", slog.Any("error", err))
	if onClose != nil {
		onClose(err)
	}
}
