package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
)

// gatewayDoer answers the gateway open call with the given websocket
// endpoint; everything else gets 200 {}.
type gatewayDoer struct {
	endpoint string
}

func (d *gatewayDoer) Do(req *http.Request) (*http.Response, error) {
	body := "{}"
	if req.URL.Path == "/v1.0/gateway/connections/open" {
		body = fmt.Sprintf(`{"endpoint":%q,"ticket":"ticket1"}`, d.endpoint)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func newStreamTestClient(t *testing.T, srv *httptest.Server) *StreamClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dingtalk.NewClient(&gatewayDoer{endpoint: wsURL}, testLogger())
	cfg := config.AccountConfig{ClientID: "client1", ClientSecret: "secret1"}
	return NewStreamClient(cfg, client, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamClientDisconnectStopsReadLoop(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sc := newStreamTestClient(t, srv)
	var closeCalls int32
	sc.OnClose(func(error) { atomic.AddInt32(&closeCalls, 1) })

	require.NoError(t, sc.Connect(context.Background()))
	require.True(t, sc.Connected())

	// Disconnect returns only after the read loop has exited; a
	// user-initiated close never fires the drop handler.
	require.NoError(t, sc.Disconnect())
	require.False(t, sc.Connected())
	require.Equal(t, int32(0), atomic.LoadInt32(&closeCalls))

	// Idempotent.
	require.NoError(t, sc.Disconnect())
}

func TestStreamClientAcksAndDispatchesCallback(t *testing.T) {
	t.Parallel()

	acks := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frame := `{"specVersion":"1.0","type":"CALLBACK","headers":{"topic":"/v1.0/im/bot/messages/get","messageId":"m1"},"data":"{\"text\":{\"content\":\"hi\"}}"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		if _, data, err := conn.ReadMessage(); err == nil {
			acks <- string(data)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sc := newStreamTestClient(t, srv)
	got := make(chan Frame, 1)
	sc.OnCallback(func(f Frame) { got <- f })

	require.NoError(t, sc.Connect(context.Background()))
	defer sc.Disconnect()

	select {
	case frame := <-got:
		require.Equal(t, FrameTypeCallback, frame.Type)
		require.Equal(t, TopicRobotMessage, frame.Headers.Topic)
		require.Contains(t, frame.Data, "hi")
	case <-time.After(2 * time.Second):
		t.Fatal("callback frame not dispatched")
	}

	select {
	case ack := <-acks:
		require.Contains(t, ack, `"code":200`)
		require.Contains(t, ack, `"messageId":"m1"`)
		require.Contains(t, ack, `"success":true`)
	case <-time.After(2 * time.Second):
		t.Fatal("callback frame not acknowledged")
	}
}

func TestStreamClientServerDropFiresOnClose(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	sc := newStreamTestClient(t, srv)
	dropped := make(chan error, 1)
	sc.OnClose(func(err error) { dropped <- err })

	require.NoError(t, sc.Connect(context.Background()))

	select {
	case err := <-dropped:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop handler not invoked")
	}
	require.False(t, sc.Connected())
}
