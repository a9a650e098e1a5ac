package coreserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habridge/internal/clock"
	"habridge/internal/haclient"
	"habridge/internal/haconfig"
	"habridge/internal/setup"
	"habridge/internal/store"
	"habridge/pkg/testutil"
)

const testToken = "test-token"

// testHarness wires a mock HA server, the HA Client, the Entity Store,
// and a Core Server together the way the Supervisor does in production,
// following internal/haclient's own client_test.go fixture pattern.
type testHarness struct {
	haServer  *testutil.MockHAServer
	client    *haclient.Client
	store     *store.Store
	server    *Server
	coreAddr  string
	cancel    context.CancelFunc
}

func startHarness(t *testing.T, haAddr, coreAddr string) *testHarness {
	t.Helper()

	haSrv := testutil.NewMockHAServer(haAddr, testToken)
	require.NoError(t, haSrv.Start())
	t.Cleanup(func() { haSrv.Stop() })
	haSrv.InitializeStates()

	cfg := haconfig.Default()
	cfg.URL = "ws://" + haAddr + "/api/websocket"
	cfg.Token = testToken
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.ConnectionTimeout = 2 * time.Second
	handle := haconfig.NewHandle(cfg)

	logger := zap.NewNop()
	client := haclient.New(handle, logger, clock.NewRealClock())
	st := store.New(logger)
	setupMch := setup.New(handle, func(haconfig.HAConfig) {}, logger)
	metadata, err := NewMetadataProvider("")
	require.NoError(t, err)

	srv := New(st, client, setupMch, metadata, func() string { return "NORMAL" }, logger, Options{
		PlainAddr:  coreAddr,
		AppVersion: "9.9.9",
		APIVersion: "0.24.0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	go st.Consume(ctx, client)
	go srv.Run(ctx)

	h := &testHarness{haServer: haSrv, client: client, store: st, server: srv, coreAddr: coreAddr, cancel: cancel}
	t.Cleanup(cancel)

	waitForState(t, client, haclient.Subscribed, 3*time.Second)
	waitForListener(t, coreAddr, 3*time.Second)
	return h
}

func waitForState(t *testing.T, c *haclient.Client, want haclient.ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, c.State(), "timed out waiting for HA client state")
}

func waitForListener(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for core server listener at %s", addr)
}

func dialCore(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_GetDriverVersion(t *testing.T) {
	startHarness(t, "127.0.0.1:18910", "127.0.0.1:18911")
	conn := dialCore(t, "127.0.0.1:18911")

	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindRequest, ID: 1, Msg: MsgGetDriverVersion}))

	var resp Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, 1, resp.ReqID)
	assert.Equal(t, 200, resp.Code)

	var data driverVersionMsgData
	require.NoError(t, unmarshalMsgData(resp, &data))
	assert.Equal(t, "9.9.9", data.Version.Driver)
	assert.Equal(t, "0.24.0", data.Version.API)
}

func TestServer_GetAvailableEntitiesReturnsBootstrappedEntities(t *testing.T) {
	startHarness(t, "127.0.0.1:18920", "127.0.0.1:18921")
	conn := dialCore(t, "127.0.0.1:18921")

	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindRequest, ID: 2, Msg: MsgGetAvailableEntities}))

	var resp Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, 200, resp.Code)

	var body struct {
		AvailableEntities []wireEntity `json:"available_entities"`
	}
	require.NoError(t, unmarshalMsgData(resp, &body))
	assert.NotEmpty(t, body.AvailableEntities)
}

func TestServer_EntityCommandUnknownEntityReturnsNotFound(t *testing.T) {
	startHarness(t, "127.0.0.1:18930", "127.0.0.1:18931")
	conn := dialCore(t, "127.0.0.1:18931")

	require.NoError(t, conn.WriteJSON(Envelope{
		Kind: KindRequest, ID: 3, Msg: MsgEntityCommand,
		MsgData: mustMarshal(entityCommandRequest{EntityID: "switch.does_not_exist", CmdID: "on"}),
	}))

	var resp Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, 404, resp.Code)
}

func TestServer_EntityCommandCallsHAService(t *testing.T) {
	h := startHarness(t, "127.0.0.1:18940", "127.0.0.1:18941")
	conn := dialCore(t, "127.0.0.1:18941")

	require.Eventually(t, func() bool {
		_, ok := h.store.Get("input_boolean.nick_home")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "entity must appear in the store after bootstrap")

	require.NoError(t, conn.WriteJSON(Envelope{
		Kind: KindRequest, ID: 4, Msg: MsgEntityCommand,
		MsgData: mustMarshal(entityCommandRequest{EntityID: "input_boolean.nick_home", CmdID: "on"}),
	}))

	var resp Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, 200, resp.Code)

	require.Eventually(t, func() bool {
		return h.haServer.CountServiceCalls("input_boolean", "turn_on") > 0
	}, 2*time.Second, 10*time.Millisecond, "HA must receive the turn_on service call")
}

func TestServer_SubscribeEventsRestrictsFanOut(t *testing.T) {
	h := startHarness(t, "127.0.0.1:18950", "127.0.0.1:18951")
	conn := dialCore(t, "127.0.0.1:18951")

	require.Eventually(t, func() bool {
		_, ok := h.store.Get("input_boolean.nick_home")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Envelope{
		Kind: KindRequest, ID: 5, Msg: MsgSubscribeEvents,
		MsgData: mustMarshal(subscribeEventsRequest{EntityIDs: []string{"input_boolean.nick_home"}}),
	}))
	var ack Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, 200, ack.Code)

	h.haServer.SetState("input_boolean.caroline_home", "on", map[string]interface{}{"friendly_name": "caroline_home"})
	h.haServer.SetState("input_boolean.nick_home", "on", map[string]interface{}{"friendly_name": "nick_home"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Envelope
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventEntityChange, event.Msg)

	var change wireEntityChange
	require.NoError(t, unmarshalMsgData(event, &change))
	assert.Equal(t, "input_boolean.nick_home", change.EntityID)
}

func TestServer_StandbyEventsInvokeOnStandbyCallback(t *testing.T) {
	haAddr, coreAddr := "127.0.0.1:18960", "127.0.0.1:18961"
	haSrv := testutil.NewMockHAServer(haAddr, testToken)
	require.NoError(t, haSrv.Start())
	t.Cleanup(func() { haSrv.Stop() })
	haSrv.InitializeStates()

	cfg := haconfig.Default()
	cfg.URL = "ws://" + haAddr + "/api/websocket"
	cfg.Token = testToken
	handle := haconfig.NewHandle(cfg)

	logger := zap.NewNop()
	client := haclient.New(handle, logger, clock.NewRealClock())
	st := store.New(logger)
	setupMch := setup.New(handle, func(haconfig.HAConfig) {}, logger)
	metadata, err := NewMetadataProvider("")
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []bool
	srv := New(st, client, setupMch, metadata, func() string { return "NORMAL" }, logger, Options{
		PlainAddr: coreAddr,
		OnStandby: func(standby bool) {
			mu.Lock()
			calls = append(calls, standby)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	go st.Consume(ctx, client)
	go srv.Run(ctx)
	waitForListener(t, coreAddr, 3*time.Second)

	conn := dialCore(t, coreAddr)
	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindEvent, Msg: EventEnterStandby}))
	require.NoError(t, conn.WriteJSON(Envelope{Kind: KindEvent, Msg: EventExitStandby}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 10*time.Millisecond, "both standby events must reach the callback")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, calls)
}

func unmarshalMsgData(env Envelope, v any) error {
	return json.Unmarshal(env.MsgData, v)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
