package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habridge/internal/clock"
	"habridge/internal/haclient"
	"habridge/internal/haconfig"
	"habridge/pkg/testutil"
)

func startClient(t *testing.T, addr string) *haclient.Client {
	t.Helper()
	srv := testutil.NewMockHAServer(addr, "tok")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	srv.SetState("light.kitchen", "off", map[string]interface{}{"friendly_name": "Kitchen"})
	srv.SetState("automation.morning", "on", map[string]interface{}{})

	cfg := haconfig.Default()
	cfg.URL = "ws://" + addr + "/api/websocket"
	cfg.Token = "tok"
	cfg.HeartbeatInterval = time.Second
	handle := haconfig.NewHandle(cfg)
	c := haclient.New(handle, zap.NewNop(), clock.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c
}

func TestStore_BootstrapPopulatesSupportedEntitiesOnly(t *testing.T) {
	c := startClient(t, "127.0.0.1:18901")
	s := New(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Consume(ctx, c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("light.kitchen"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ent, ok := s.Get("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "light.kitchen", ent.EntityID)

	_, ok = s.Get("automation.morning")
	assert.False(t, ok, "unsupported domain must never be stored")
}

func TestStore_DeltaPublishedOnChange(t *testing.T) {
	srv := testutil.NewMockHAServer("127.0.0.1:18902", "tok")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	srv.SetState("switch.garage", "off", map[string]interface{}{"friendly_name": "Garage"})

	cfg := haconfig.Default()
	cfg.URL = "ws://127.0.0.1:18902/api/websocket"
	cfg.Token = "tok"
	cfg.HeartbeatInterval = time.Second
	handle := haconfig.NewHandle(cfg)
	c := haclient.New(handle, zap.NewNop(), clock.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	s := New(zap.NewNop())
	go s.Consume(ctx, c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("switch.garage"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	deltas, cancelSub := s.Subscribe()
	defer cancelSub()

	srv.SetState("switch.garage", "on", map[string]interface{}{"friendly_name": "Garage"})

	select {
	case d := <-deltas:
		assert.Equal(t, "switch.garage", d.EntityID)
		assert.Equal(t, "ON", d.ChangedAttributes["state"])
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive delta for changed entity")
	}
}

func TestStore_SnapshotIsConsistentCopy(t *testing.T) {
	s := New(zap.NewNop())
	s.applyBootstrap([]haclient.HAState{
		{EntityID: "switch.a", State: "on"},
		{EntityID: "switch.b", State: "off"},
	})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	snap[0].Attributes["mutated"] = true

	fresh, ok := s.Get(snap[0].EntityID)
	require.True(t, ok)
	_, leaked := fresh.Attributes["mutated"]
	assert.False(t, leaked, "snapshot must be a clone, not a live reference")
}

func TestStore_SubscriberDroppedWhenSlow(t *testing.T) {
	s := New(zap.NewNop())
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuf+10; i++ {
		s.applyBootstrap([]haclient.HAState{{EntityID: "switch.a", State: "on", Attributes: map[string]any{"n": i}}})
	}

	select {
	case <-s.Done(ch):
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestStore_RemovalDeletesEntity(t *testing.T) {
	s := New(zap.NewNop())
	s.applyBootstrap([]haclient.HAState{{EntityID: "switch.a", State: "on"}})
	_, ok := s.Get("switch.a")
	require.True(t, ok)

	s.applyEvent(haclient.StateEvent{EntityID: "switch.a", NewState: nil})
	_, ok = s.Get("switch.a")
	assert.False(t, ok)
}
