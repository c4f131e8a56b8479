package agentserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/internal/alert"
	"github.com/bokiko/bloxos-sub000/internal/notify"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

const agentToken = "tok-rig-1"

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateRig(context.Background(), &models.Rig{
		ID:         "r1",
		Name:       "rig1",
		Status:     models.RigStatusOffline,
		AgentToken: agentToken,
	}))
	return st
}

func newTestServer(t *testing.T, st store.Store, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer(st, nil, nil, opts...)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleAgent))
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

// readUntilClose drains frames until the peer closes and returns the
// close code.
func readUntilClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close error, got %v", err)
			return closeErr.Code
		}
	}
}

func authenticate(t *testing.T, ws *websocket.Conn, token string) Envelope {
	t.Helper()
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgAuth, Token: token}))
	return readEnvelope(t, ws)
}

func TestAuth_MessageToken(t *testing.T) {
	st := newTestStore(t)
	srv, url := newTestServer(t, st)

	ws := dial(t, url)
	env := authenticate(t, ws, agentToken)

	assert.Equal(t, MsgAuthenticated, env.Type)
	assert.Equal(t, "r1", env.RigID)
	assert.Equal(t, "rig1", env.RigName)
	assert.Equal(t, 1, srv.Registry().Count())

	rig, err := st.GetRig(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOnline, rig.Status)
}

func TestAuth_QueryToken(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url+"?token="+agentToken)
	env := readEnvelope(t, ws)

	assert.Equal(t, MsgAuthenticated, env.Type)
	assert.Equal(t, "r1", env.RigID)
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestAuth_InvalidToken(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgAuth, Token: "wrong"}))

	assert.Equal(t, CloseInvalidToken, readUntilClose(t, ws))
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestAuth_RigNotFound(t *testing.T) {
	_, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgAuth, Token: agentToken, RigID: "no-such-rig"}))

	assert.Equal(t, CloseRigNotFound, readUntilClose(t, ws))
}

func TestAuth_Timeout(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t), WithAuthTimeout(100*time.Millisecond))

	ws := dial(t, url)
	assert.Equal(t, CloseAuthTimeout, readUntilClose(t, ws))
	assert.Equal(t, 0, srv.Registry().Count(), "unauthenticated socket must never appear in the registry")
}

func TestAuth_NonAuthFirstMessage(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgHeartbeat}))

	assert.Equal(t, CloseAuthFailure, readUntilClose(t, ws))
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestQueuedCommandsFlushedFIFO(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	first := models.NewCommand(models.CommandStartMiner, map[string]interface{}{"miner": "t-rex"})
	second := models.NewCommand(models.CommandStopMiner, nil)
	srv.SendCommand("r1", first)
	srv.SendCommand("r1", second)
	require.Equal(t, 2, srv.Registry().QueueDepth("r1"))

	ws := dial(t, url)
	env := authenticate(t, ws, agentToken)
	require.Equal(t, MsgAuthenticated, env.Type)

	got1 := readEnvelope(t, ws)
	got2 := readEnvelope(t, ws)
	require.Equal(t, MsgCommand, got1.Type)
	require.Equal(t, MsgCommand, got2.Type)
	assert.Equal(t, first.ID, got1.Command.ID, "queued commands arrive in creation order")
	assert.Equal(t, second.ID, got2.Command.ID)

	assert.Equal(t, 0, srv.Registry().QueueDepth("r1"), "queue is cleared after flush")
}

func TestSupersededConnectionClosed(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	first := dial(t, url)
	require.Equal(t, MsgAuthenticated, authenticate(t, first, agentToken).Type)

	second := dial(t, url)
	require.Equal(t, MsgAuthenticated, authenticate(t, second, agentToken).Type)

	assert.Equal(t, CloseSuperseded, readUntilClose(t, first))

	// The superseded socket's exit must not evict its successor.
	require.Eventually(t, func() bool {
		return srv.Registry().Count() == 1 && srv.Registry().Get("r1") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatAck(t *testing.T) {
	_, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgHeartbeat}))
	ack := readEnvelope(t, ws)
	assert.Equal(t, MsgHeartbeatAck, ack.Type)
	require.NotNil(t, ack.Timestamp)
}

func TestStats_Persisted(t *testing.T) {
	st := newTestStore(t)
	_, url := newTestServer(t, st)

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	temp := 65.0
	raw, err := json.Marshal(StatsData{
		GPUs: []GPUStats{{Index: 0, Name: "NVIDIA GeForce RTX 3080", Temperature: &temp}},
		CPU:  &CPUStats{Model: "AMD Ryzen 5", Cores: 6},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgStats, Data: raw}))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		gpus, err := st.ListGPUs(ctx, "r1")
		return err == nil && len(gpus) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gpus, err := st.ListGPUs(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.GPUVendorNvidia, gpus[0].Vendor, "vendor inferred from device name")
	require.NotNil(t, gpus[0].Temperature)
	assert.Equal(t, 65.0, *gpus[0].Temperature)

	cpu, err := st.GetCPU(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 6, cpu.Cores)
}

func TestStats_StatusSkippedForPolledRig(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutCredential(ctx, &models.Credential{
		RigID: "r1", Host: "10.0.0.5", Username: "miner",
	}))
	_, url := newTestServer(t, st)

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgHeartbeat}))
	readEnvelope(t, ws) // heartbeat_ack

	rig, err := st.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOffline, rig.Status,
		"poll path is authoritative for rigs with stored credentials")
}

func TestMinerStatus_Upserted(t *testing.T) {
	st := newTestStore(t)
	_, url := newTestServer(t, st)

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	raw, err := json.Marshal(MinerStatusData{MinerName: "t-rex", Status: "RUNNING", PID: 777})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(&Envelope{Type: MsgMinerStatus, Data: raw}))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		inst, err := st.GetMinerInstance(ctx, "r1", "t-rex")
		return err == nil && inst.PID == 777
	}, 2*time.Second, 10*time.Millisecond)

	inst, err := st.GetMinerInstance(ctx, "r1", "t-rex")
	require.NoError(t, err)
	assert.Equal(t, models.MinerStatusRunning, inst.Status)
}

func TestCommandResult_Audited(t *testing.T) {
	st := newTestStore(t)
	_, url := newTestServer(t, st)

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	require.NoError(t, ws.WriteJSON(&Envelope{
		Type: MsgCommandResult, CommandID: "c1", Success: false, Error: "miner not installed",
	}))

	require.Eventually(t, func() bool {
		return len(st.Events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "command_result", st.Events[0].Action)
	assert.Contains(t, st.Events[0].Detail, "miner not installed")
}

func TestUnknownMessageType(t *testing.T) {
	_, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	require.NoError(t, ws.WriteJSON(&Envelope{Type: "bogus"}))
	reply := readEnvelope(t, ws)
	assert.Equal(t, MsgError, reply.Type)
	assert.Contains(t, reply.Message, "bogus")
}

func TestSendCommand_PushToLiveConnection(t *testing.T) {
	srv, url := newTestServer(t, newTestStore(t))

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	cmd := models.NewCommand(models.CommandReboot, nil)
	id := srv.SendCommand("r1", cmd)
	assert.Equal(t, cmd.ID, id)

	env := readEnvelope(t, ws)
	require.Equal(t, MsgCommand, env.Type)
	assert.Equal(t, cmd.ID, env.Command.ID)
	assert.Equal(t, 0, srv.Registry().QueueDepth("r1"))
}

func TestSweep_ClosesStaleConnections(t *testing.T) {
	st := newTestStore(t)
	srv, url := newTestServer(t, st, WithHeartbeatTimeout(50*time.Millisecond))

	ws := dial(t, url)
	authenticate(t, ws, agentToken)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, srv.SweepOnce(context.Background()))

	assert.Equal(t, CloseHeartbeatTimeout, readUntilClose(t, ws))
	assert.Equal(t, 0, srv.Registry().Count())

	rig, err := st.GetRig(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOffline, rig.Status)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweep_FiresOfflineAlertAfterThreshold(t *testing.T) {
	st := newTestStore(t)
	clock := &fakeClock{now: time.Now()}
	alerts := alert.NewEngine(st, notify.NewLog(), alert.WithClock(clock.Now))

	srv := NewServer(st, alerts, nil, WithHeartbeatTimeout(50*time.Millisecond))
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleAgent))
	t.Cleanup(ts.Close)

	ws := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	authenticate(t, ws, agentToken)

	time.Sleep(100 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, srv.SweepOnce(ctx))

	require.Eventually(t, func() bool {
		rig, err := st.GetRig(ctx, "r1")
		return err == nil && rig.Status == models.RigStatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	rig, err := st.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rig.LastSeen.IsZero(), "disconnect must not clear lastSeen")
	assert.Empty(t, st.Alerts, "threshold has not elapsed yet")

	clock.Advance(time.Hour)
	require.NoError(t, srv.SweepOnce(ctx))

	require.Len(t, st.Alerts, 1)
	assert.Equal(t, models.AlertRigOffline, st.Alerts[0].Type)
	assert.Equal(t, "r1", st.Alerts[0].RigID)
}

func TestAuth_ExpiredTimerSkipsRegistration(t *testing.T) {
	st := newTestStore(t)
	srv := NewServer(st, nil, nil)

	result := make(chan *Connection, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// The timer has already fired by the time the token checks out.
		timer := time.NewTimer(0)
		time.Sleep(20 * time.Millisecond)
		result <- srv.authenticate(context.Background(), ws, Envelope{Token: agentToken}, timer)
	}))
	t.Cleanup(ts.Close)

	dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	select {
	case conn := <-result:
		assert.Nil(t, conn, "a fired auth timer must abort registration")
	case <-time.After(2 * time.Second):
		t.Fatal("authenticate did not return")
	}
	assert.Equal(t, 0, srv.Registry().Count())

	rig, err := st.GetRig(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOffline, rig.Status)
}

func TestDisconnect_MarksOffline(t *testing.T) {
	st := newTestStore(t)
	srv, url := newTestServer(t, st)

	ws := dial(t, url)
	authenticate(t, ws, agentToken)
	require.Equal(t, 1, srv.Registry().Count())

	ws.Close()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		rig, err := st.GetRig(ctx, "r1")
		return err == nil && rig.Status == models.RigStatusOffline && srv.Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
