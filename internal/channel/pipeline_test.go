package channel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
)

const testWebhook = "https://oapi.dingtalk.com/robot/sendBySession?session=abc"

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

// fakeDoer routes requests by URL path to queued responses and records
// every call. Unrouted paths get 200 {}.
type fakeDoer struct {
	mu        sync.Mutex
	responses map[string][]canned
	calls     []recordedCall
}

type canned struct {
	status int
	body   string
}

func newFakeDoer() *fakeDoer {
	f := &fakeDoer{responses: make(map[string][]canned)}
	f.respond("/v1.0/oauth2/accessToken", 200, `{"accessToken":"tok1","expireIn":7200}`)
	return f
}

func (f *fakeDoer) respond(path string, status int, body string) {
	f.mu.Lock()
	f.responses[path] = append(f.responses[path], canned{status, body})
	f.mu.Unlock()
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		Method: req.Method,
		Path:   req.URL.Path,
		Body:   string(body),
	})
	resp := canned{200, "{}"}
	if queue := f.responses[req.URL.Path]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			f.responses[req.URL.Path] = queue[1:]
		}
	}
	f.mu.Unlock()
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(resp.body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func (f *fakeDoer) callsTo(path string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// fakeRuntime satisfies Runtime with recording hooks.
type fakeRuntime struct {
	mu         sync.Mutex
	recorded   []RecordParams
	dispatched int
	replies    []string // chunks DispatchReply feeds to deliver
}

func (f *fakeRuntime) ResolveAgentRoute(_ context.Context, q RouteQuery) (AgentRoute, error) {
	key := string(q.PeerKind) + ":" + q.PeerID
	return AgentRoute{AgentID: "main", SessionKey: key, MainSessionKey: key}, nil
}

func (f *fakeRuntime) ResolveStorePath(agentID string) string { return "/tmp/" + agentID }

func (f *fakeRuntime) ReadSessionUpdatedAt(string, string) (time.Time, bool) {
	return time.Time{}, false
}

func (f *fakeRuntime) RecordInboundSession(_ context.Context, p RecordParams) error {
	f.mu.Lock()
	f.recorded = append(f.recorded, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) FormatInboundEnvelope(p EnvelopeParams) string {
	return "[" + p.Channel + "] " + p.From + "\n" + p.Body
}

func (f *fakeRuntime) FinalizeInboundContext(ctx InboundContext) InboundContext { return ctx }

func (f *fakeRuntime) DispatchReply(ctx context.Context, inbound InboundContext, deliver DeliverFunc) error {
	f.mu.Lock()
	f.dispatched++
	chunks := f.replies
	f.mu.Unlock()
	if len(chunks) == 0 {
		chunks = []string{"echo: " + inbound.RawBody}
	}
	for _, chunk := range chunks {
		deliver(ctx, ReplyPayload{Text: chunk})
	}
	return nil
}

func (f *fakeRuntime) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatched
}

func (f *fakeRuntime) recordedSessions() []RecordParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordParams(nil), f.recorded...)
}

type pipelineFixture struct {
	pipeline *Pipeline
	doer     *fakeDoer
	runtime  *fakeRuntime
	dedup    *dingtalk.DedupStore
	peers    *dingtalk.PeerRegistry
}

func newPipelineFixture(t *testing.T, cfg config.AccountConfig) *pipelineFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	doer := newFakeDoer()
	client := dingtalk.NewClient(doer, log)
	tokens := dingtalk.NewTokenCache(client, log)
	dedup := dingtalk.NewDedupStore()
	peers := dingtalk.NewPeerRegistry()
	media := dingtalk.NewMediaService(client, doer, tokens, log)
	send := dingtalk.NewSendService(client, tokens, peers, media, log)
	cards := dingtalk.NewCardService(client, tokens, dingtalk.NewCardStore(), send, log)
	rt := &fakeRuntime{}

	p := NewPipeline("default", cfg, Runtime{Router: rt, Sessions: rt, Replies: rt}, dedup, peers, cards, send, media, log)
	return &pipelineFixture{pipeline: p, doer: doer, runtime: rt, dedup: dedup, peers: peers}
}

func groupMessage(msgID string) *dingtalk.InboundMessage {
	return &dingtalk.InboundMessage{
		MsgID:             msgID,
		MsgType:           "text",
		Text:              &dingtalk.TextContent{Content: "hello"},
		SenderStaffID:     "User123",
		SenderNick:        "Zhang",
		ChatbotUserID:     "$:LWCP_v1:robot",
		ConversationID:    "cidGroup1",
		ConversationType:  "2",
		ConversationTitle: "Dev Group",
		SessionWebhook:    testWebhook,
		CreateAt:          1700000000000,
	}
}

func directMessage(msgID string) *dingtalk.InboundMessage {
	msg := groupMessage(msgID)
	msg.ConversationType = "1"
	msg.ConversationID = "convDirect1"
	msg.ConversationTitle = ""
	return msg
}

func testAccount() config.AccountConfig {
	off := false
	return config.AccountConfig{
		ClientID:     "ding_client",
		ClientSecret: "ding_secret",
		RobotCode:    "robot_code",
		ShowThinking: &off, // keep call counts deterministic
	}
}

func TestHandleSelfMessageIgnored(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	msg := groupMessage("m1")
	msg.SenderStaffID = ""
	msg.SenderID = msg.ChatbotUserID

	require.NoError(t, fx.pipeline.Handle(context.Background(), msg))
	require.Equal(t, 0, fx.runtime.dispatchCount())
	require.Equal(t, 0, fx.dedup.Len())
}

func TestHandleDuplicateSkipped(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))
	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))
	require.Equal(t, 1, fx.runtime.dispatchCount())
}

func TestHandleEmptyContentSkipped(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	msg := groupMessage("m1")
	msg.Text = &dingtalk.TextContent{Content: "   "}

	require.NoError(t, fx.pipeline.Handle(context.Background(), msg))
	require.Equal(t, 0, fx.runtime.dispatchCount())
}

func TestHandleDMDenied(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.DMPolicy = config.DMPolicyAllowlist
	cfg.AllowFrom = []string{"dingtalk:someoneElse"}
	fx := newPipelineFixture(t, cfg)

	require.NoError(t, fx.pipeline.Handle(context.Background(), directMessage("m1")))
	require.Equal(t, 0, fx.runtime.dispatchCount())
	// Not marked processed so an approval can let a retry through.
	require.Equal(t, 0, fx.dedup.Len())

	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Body, "User123")
	require.Contains(t, calls[0].Body, "/allow dingtalk:User123")
}

func TestHandleDMAllowedByEntry(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.DMPolicy = config.DMPolicyAllowlist
	cfg.AllowFrom = []string{"dingtalk:user123"} // case-insensitive match
	fx := newPipelineFixture(t, cfg)

	require.NoError(t, fx.pipeline.Handle(context.Background(), directMessage("m1")))
	require.Equal(t, 1, fx.runtime.dispatchCount())
}

func TestHandleGroupEchoReply(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	require.Equal(t, 1, fx.runtime.dispatchCount())
	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Body, "echo: hello")

	// Both ids registered with original casing for later outbound use.
	require.Equal(t, "cidGroup1", fx.peers.Resolve("cidgroup1"))
	require.Equal(t, "User123", fx.peers.Resolve("user123"))
}

func TestHandleRecordsSession(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	recorded := fx.runtime.recordedSessions()
	require.Len(t, recorded, 1)
	require.Equal(t, "group:cidGroup1", recorded[0].SessionKey)
	require.Equal(t, "cidGroup1", recorded[0].LastRoute.To)
	require.Equal(t, ChannelName, recorded[0].LastRoute.Channel)
	require.Equal(t, "hello", recorded[0].Ctx.RawBody)
}

func TestHandleThinkingFeedback(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	on := true
	cfg.ShowThinking = &on
	fx := newPipelineFixture(t, cfg)

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 2)
	require.Contains(t, calls[0].Body, "正在思考中")
	require.Contains(t, calls[1].Body, "echo: hello")
}

func TestHandleCardStreaming(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.MessageType = config.MessageTypeCard
	cfg.CardTemplateID = "tmpl-1"
	fx := newPipelineFixture(t, cfg)
	fx.runtime.replies = []string{"part one", "part two"}

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	require.Len(t, fx.doer.callsTo("/v1.0/card/instances/createAndDeliver"), 1)
	streams := fx.doer.callsTo("/v1.0/card/streaming")
	require.Len(t, streams, 3) // two chunks plus finalize

	// Full-replacement streaming: the second push carries both chunks.
	require.Contains(t, streams[1].Body, "part one\\n\\npart two")
	require.Contains(t, streams[2].Body, `"isFinalize":true`)

	// Nothing went through the session webhook.
	require.Empty(t, fx.doer.callsTo("/robot/sendBySession"))
}

func TestHandleCardCreateFailureFallsBackToSession(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.MessageType = config.MessageTypeCard
	cfg.CardTemplateID = "tmpl-1"
	fx := newPipelineFixture(t, cfg)
	fx.doer.respond("/v1.0/card/instances/createAndDeliver", 500,
		`{"code":"internalError","message":"boom"}`)

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Body, "echo: hello")
	require.Empty(t, fx.doer.callsTo("/v1.0/card/streaming"))
}

func TestHandleCardStreamFailureFallsBackToSession(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.MessageType = config.MessageTypeCard
	cfg.CardTemplateID = "tmpl-1"
	fx := newPipelineFixture(t, cfg)
	fx.doer.respond("/v1.0/card/streaming", 400,
		`{"code":"badRequest","message":"nope"}`)

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	// Card was created, but the first streaming push failed, so the reply
	// goes out through the session webhook instead.
	require.Len(t, fx.doer.callsTo("/v1.0/card/instances/createAndDeliver"), 1)
	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Body, "echo: hello")

	// The card is abandoned after the failure: one streaming attempt, no
	// finalize.
	streams := fx.doer.callsTo("/v1.0/card/streaming")
	require.Len(t, streams, 1)
	require.NotContains(t, streams[0].Body, `"isFinalize":true`)
}

func TestHandleCardStreamFailureAbandonsCardForLaterChunks(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.MessageType = config.MessageTypeCard
	cfg.CardTemplateID = "tmpl-1"
	fx := newPipelineFixture(t, cfg)
	fx.runtime.replies = []string{"part one", "part two"}
	fx.doer.respond("/v1.0/card/streaming", 400,
		`{"code":"badRequest","message":"nope"}`)

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	// After the first chunk fails to stream, later chunks skip the card
	// entirely and go straight to the webhook.
	require.Len(t, fx.doer.callsTo("/v1.0/card/streaming"), 1)
	calls := fx.doer.callsTo("/robot/sendBySession")
	require.Len(t, calls, 2)
	require.Contains(t, calls[0].Body, "part one")
	require.Contains(t, calls[1].Body, "part two")
}

func TestHandleCardWithoutTemplateFallsBack(t *testing.T) {
	t.Parallel()

	cfg := testAccount()
	cfg.MessageType = config.MessageTypeCard // no template id configured
	fx := newPipelineFixture(t, cfg)

	require.NoError(t, fx.pipeline.Handle(context.Background(), groupMessage("m1")))

	require.Empty(t, fx.doer.callsTo("/v1.0/card/instances/createAndDeliver"))
	require.Len(t, fx.doer.callsTo("/robot/sendBySession"), 1)
}

func TestHandleRawDecodesAndDispatches(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	raw := `{
		"msgId": "m1",
		"msgtype": "text",
		"text": {"content": "hi there"},
		"senderStaffId": "user1",
		"senderNick": "Li",
		"conversationId": "cidG",
		"conversationType": "2",
		"conversationTitle": "Ops",
		"sessionWebhook": "` + testWebhook + `",
		"createAt": 1700000000000
	}`
	fx.pipeline.HandleRaw(context.Background(), []byte(raw))

	require.Equal(t, 1, fx.runtime.dispatchCount())
}

func TestHandleRawMalformedDropped(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, testAccount())
	fx.pipeline.HandleRaw(context.Background(), []byte("{not json"))
	require.Equal(t, 0, fx.runtime.dispatchCount())
}

func TestLocalRuntimeRecordsSessionFile(t *testing.T) {
	t.Parallel()

	lr := NewLocalRuntime(t.TempDir())
	rt := lr.Runtime()

	route, err := rt.Router.ResolveAgentRoute(context.Background(), RouteQuery{
		Channel: ChannelName, AccountID: "default", PeerKind: PeerKindDM, PeerID: "user1",
	})
	require.NoError(t, err)
	require.Equal(t, "main", route.AgentID)

	storePath := rt.Sessions.ResolveStorePath(route.AgentID)
	_, ok := rt.Sessions.ReadSessionUpdatedAt(storePath, route.SessionKey)
	require.False(t, ok)

	err = rt.Sessions.RecordInboundSession(context.Background(), RecordParams{
		StorePath:  storePath,
		SessionKey: route.SessionKey,
		Ctx:        InboundContext{RawBody: "hi", SenderID: "user1", ChatType: "direct"},
	})
	require.NoError(t, err)

	_, ok = rt.Sessions.ReadSessionUpdatedAt(storePath, route.SessionKey)
	require.True(t, ok)
}

func TestLocalRuntimeDispatchEchoes(t *testing.T) {
	t.Parallel()

	lr := NewLocalRuntime(t.TempDir())
	var got []string
	err := lr.DispatchReply(context.Background(), InboundContext{RawBody: "ping"},
		func(_ context.Context, payload ReplyPayload) DeliverResult {
			got = append(got, payload.Content())
			return DeliverResult{OK: true}
		})
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, got)
}

func TestLocalRuntimeEnvelopeIncludesPrevious(t *testing.T) {
	t.Parallel()

	lr := NewLocalRuntime(t.TempDir())
	prev := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := lr.FormatInboundEnvelope(EnvelopeParams{
		Channel: "DingTalk", From: "Zhang (user1)", Body: "hello",
		PreviousTimestamp: prev, HasPrevious: true,
	})
	require.True(t, strings.HasPrefix(out, "[DingTalk] Zhang (user1) (last: 2024-05-01T12:00:00Z)"))
	require.Contains(t, out, "hello")
}
