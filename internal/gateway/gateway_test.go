package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/auth"
	"github.com/holoforge/scenecast/internal/broadcast"
	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/correlator"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/telemetry"
)

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *bus.FakeBus, *broadcast.Engine) {
	t.Helper()
	b := bus.NewFakeBus()
	m := telemetry.New()
	tr, err := telemetry.NewTracing(context.Background(), telemetry.TracingConfig{Enabled: false, ServiceName: "test"})
	require.NoError(t, err)

	engine := broadcast.New(b, broadcast.Config{
		TickInterval: 10 * time.Millisecond, QueueCap: 4,
		SoftBacklog: 1 << 20, HardBacklog: 2 << 20, WriteTimeout: 50 * time.Millisecond,
	}, m, tr, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	corr := correlator.New(b, time.Second, zerolog.Nop())
	require.NoError(t, corr.Start())
	t.Cleanup(func() { corr.Close() })

	verifier := auth.StaticVerifier{
		"good-token":     {TenantID: "tenant-a", Scopes: []string{domain.ScopeStream}},
		"no-scope-token": {TenantID: "tenant-a"},
	}

	gw := New(verifier, engine, corr, b, cfg, zerolog.Nop())
	return gw, b, engine
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	gw, _, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGateway_AcceptsValidTokenAndPing(t *testing.T) {
	gw, _, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "good-token")
	defer conn.Close()

	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, ServerMsgWelcome, welcome.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientMsgPing}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong ServerMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, ServerMsgPong, pong.Type)
}

func TestGateway_SubscribeOutOfTenantScopeIsRejected(t *testing.T) {
	gw, _, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "good-token")
	defer conn.Close()

	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: ClientMsgSubscribe, Payload: []byte(`{"tenantID":"tenant-other"}`),
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errMsg ServerMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, ServerMsgError, errMsg.Type)
}

func TestGateway_SubscribeWithoutStreamScopeIsRejected(t *testing.T) {
	gw, _, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "no-scope-token")
	defer conn.Close()

	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: ClientMsgSubscribe, Payload: []byte(`{"tenantID":"tenant-a"}`),
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errMsg ServerMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, ServerMsgError, errMsg.Type)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &payload))
	assert.Equal(t, "forbidden", payload.Code)
}

func TestGateway_SubscribeWithStreamScopeIsAccepted(t *testing.T) {
	gw, b, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "good-token")
	defer conn.Close()

	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: ClientMsgSubscribe, Payload: []byte(`{"tenantID":"tenant-a"}`),
	}))

	require.NoError(t, b.Publish(context.Background(), bus.FrameSubject("tenant-a"), domain.Frame{
		SceneID: "scene-1", TenantID: "tenant-a", Seq: 1, TS: time.Now(), Body: []byte(`{}`),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame ServerMessage
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, ServerMsgFrame, frame.Type)
}

func TestGateway_ConnectionCapPerTenantRejectsExtra(t *testing.T) {
	gw, _, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 1, RequestDeadline: time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	first := dial(t, srv, "good-token")
	defer first.Close()

	var welcome ServerMessage
	require.NoError(t, first.ReadJSON(&welcome))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good-token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}

func TestGateway_GenRequestRoundTrip(t *testing.T) {
	gw, b, _ := newTestGateway(t, Config{MaxConnsPerIP: 10, MaxConnsPerTenant: 10, RequestDeadline: 2 * time.Second})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "good-token")
	defer conn.Close()
	var welcome ServerMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	_, err := b.Subscribe(bus.SubjectGenRequest, "", func(ctx context.Context, env domain.Envelope) {
		var req domain.SceneRequest
		_ = json.Unmarshal(env.Body, &req)
		_ = b.Publish(ctx, bus.SubjectGenResult, domain.SceneResult{
			JobID: req.JobID, Success: true, SceneID: "scene-xyz", Scene: []byte(`{}`),
			ProducedAt: time.Now(), WorkerID: "test-worker",
		})
	})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: ClientMsgGenRequest, Payload: []byte(`{"jobID":"job-rt","payload":{"x":1}}`),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var result ServerMessage
	require.NoError(t, conn.ReadJSON(&result))
	assert.Equal(t, ServerMsgResult, result.Type)
}
