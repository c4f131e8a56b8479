package control

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/internal/agentserver"
	"github.com/bokiko/bloxos-sub000/internal/miner"
	"github.com/bokiko/bloxos-sub000/internal/overclock"
	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

func newDispatcher(t *testing.T, exec sshexec.Executor, st store.Store, agents *agentserver.Server) *Dispatcher {
	t.Helper()
	return NewDispatcher(st, exec,
		miner.NewController(exec, st, nil),
		overclock.NewController(exec, st),
		agents)
}

func seedSSHRig(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRig(ctx, &models.Rig{
		ID: "r1", Name: "rig1", SSHEnabled: true, MiningEnabled: true, OverclockEnabled: true,
	}))
	require.NoError(t, st.PutCredential(ctx, &models.Credential{
		RigID: "r1", Host: "10.0.0.5", Username: "miner",
	}))
}

func TestDispatch_RebootDirect(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	exec := &sshexec.FakeExecutor{}
	d := newDispatcher(t, exec, st, nil)

	ctx := context.Background()
	id, err := d.Dispatch(ctx, "r1", models.CommandReboot, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"reboot"}, exec.CallLog())

	rig, err := st.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusRebooting, rig.Status)
	require.Len(t, st.Events, 1)
	assert.Equal(t, "reboot", st.Events[0].Action)
}

func TestDispatch_RebootSurvivesDroppedSession(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	exec := &sshexec.FakeExecutor{
		Handler: func(command string, sudo bool) (string, error) {
			// Host goes down mid-exec; the session dies non-cleanly.
			return "", sshexec.ErrExec
		},
	}
	d := newDispatcher(t, exec, st, nil)

	_, err := d.Dispatch(context.Background(), "r1", models.CommandReboot, nil)
	require.NoError(t, err)

	rig, err := st.GetRig(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusRebooting, rig.Status)
}

func TestDispatch_StartMinerDirect(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	exec := &sshexec.FakeExecutor{
		Handler: func(command string, sudo bool) (string, error) {
			if strings.HasPrefix(command, "pgrep") {
				return "", sshexec.ErrExec
			}
			return "4242\n", nil
		},
	}
	d := newDispatcher(t, exec, st, nil)

	ctx := context.Background()
	_, err := d.Dispatch(ctx, "r1", models.CommandStartMiner, map[string]interface{}{
		"minerName":     "t-rex",
		"algorithm":     "kawpow",
		"poolUrl":       "stratum+tcp://pool:3333",
		"walletAddress": "abcDEF1234567890abcDEF1234567890wallet",
		"workerName":    "rig1",
	})
	require.NoError(t, err)

	inst, err := st.GetMinerInstance(ctx, "r1", "t-rex")
	require.NoError(t, err)
	assert.Equal(t, models.MinerStatusRunning, inst.Status)
	assert.Equal(t, 4242, inst.PID)
}

func TestDispatch_ApplyOverclockDirect(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	exec := &sshexec.FakeExecutor{}
	d := newDispatcher(t, exec, st, nil)

	limit := 220
	_, err := d.Dispatch(context.Background(), "r1", models.CommandApplyOverclock, map[string]interface{}{
		"vendor":      "NVIDIA",
		"gpuIndex":    0,
		"powerLimitW": limit,
	})
	require.NoError(t, err)

	calls := exec.CallLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "nvidia-smi -i 0 -pl 220", calls[0])
}

func TestDispatch_UnknownVendorRejected(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	exec := &sshexec.FakeExecutor{}
	d := newDispatcher(t, exec, st, nil)

	_, err := d.Dispatch(context.Background(), "r1", models.CommandApplyOverclock, map[string]interface{}{
		"vendor": "MATROX", "gpuIndex": 0,
	})
	assert.ErrorIs(t, err, validate.ErrValidation)
	assert.Empty(t, exec.CallLog())
}

func TestDispatch_AgentRigQueuesCommand(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateRig(ctx, &models.Rig{
		ID: "push1", Name: "push1", AgentToken: "tok",
	}))

	exec := &sshexec.FakeExecutor{}
	agents := agentserver.NewServer(st, nil, nil)
	d := newDispatcher(t, exec, st, agents)

	id, err := d.Dispatch(ctx, "push1", models.CommandStopMiner, map[string]interface{}{
		"minerName": "t-rex",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, exec.CallLog(), "agent rigs are never driven over SSH")
	assert.Equal(t, 1, agents.Registry().QueueDepth("push1"))
}

func TestDispatch_AgentRigWithoutServer(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.CreateRig(context.Background(), &models.Rig{ID: "push1"}))

	d := newDispatcher(t, &sshexec.FakeExecutor{}, st, nil)
	_, err := d.Dispatch(context.Background(), "push1", models.CommandReboot, nil)
	assert.ErrorIs(t, err, validate.ErrValidation)
}

func TestDispatch_UnknownRig(t *testing.T) {
	d := newDispatcher(t, &sshexec.FakeExecutor{}, store.NewMemory(), nil)
	_, err := d.Dispatch(context.Background(), "ghost", models.CommandReboot, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatch_UnknownCommandType(t *testing.T) {
	st := store.NewMemory()
	seedSSHRig(t, st)
	d := newDispatcher(t, &sshexec.FakeExecutor{}, st, nil)

	_, err := d.Dispatch(context.Background(), "r1", models.CommandType("fire_lasers"), nil)
	assert.ErrorIs(t, err, validate.ErrValidation)
}
