package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/internal/metrics"
	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

const cpuInfoFixture = `processor	: 0
model name	: AMD Ryzen 5 3600 6-Core Processor
cpu MHz		: 3600.000

processor	: 1
model name	: AMD Ryzen 5 3600 6-Core Processor
cpu MHz		: 3593.250
`

func seedRig(t *testing.T, st *store.Memory, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRig(ctx, &models.Rig{
		ID: id, Name: id, Status: models.RigStatusOffline, SSHEnabled: true,
	}))
	require.NoError(t, st.PutCredential(ctx, &models.Credential{
		RigID: id, Host: id + ".local", Port: 22, Username: "miner",
	}))
}

// scriptedRig answers the poller's query commands with canned output.
type scriptedRig struct {
	mu       sync.Mutex
	procStat string
	energy   string
}

func (s *scriptedRig) handle(command string, sudo bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(command, "temperature.gpu"):
		return "65,70,80,220.5,1800,9500,99\nN/A,N/A,0,0,0,0,0\n", nil
	case strings.Contains(command, "index,name"):
		return "0, NVIDIA GeForce RTX 3080\n1, AMD Radeon RX 6800\n", nil
	case command == "cat /proc/stat":
		return s.procStat, nil
	case command == "cat /proc/cpuinfo":
		return cpuInfoFixture, nil
	case strings.Contains(command, "temp1_input"):
		return "48250\n", nil
	case strings.Contains(command, "energy_uj"):
		return s.energy, nil
	}
	return "", fmt.Errorf("%w: unexpected command %q", sshexec.ErrExec, command)
}

func (s *scriptedRig) set(procStat, energy string) {
	s.mu.Lock()
	s.procStat = procStat
	s.energy = energy
	s.mu.Unlock()
}

func TestRunCycle_FirstSample(t *testing.T) {
	st := store.NewMemory()
	seedRig(t, st, "r1")

	rig := &scriptedRig{}
	rig.set("cpu 1000 0 1000 4000 500 0 0 0\n", "1000000000\n")
	exec := &sshexec.FakeExecutor{Handler: rig.handle}

	p := NewPoller(st, exec, nil)
	p.RunCycle(context.Background())

	ctx := context.Background()
	got, err := st.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOnline, got.Status)
	assert.False(t, got.LastSeen.IsZero())

	gpus, err := st.ListGPUs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", gpus[0].Name)
	assert.Equal(t, models.GPUVendorNvidia, gpus[0].Vendor)
	require.NotNil(t, gpus[0].Temperature)
	assert.Equal(t, 65.0, *gpus[0].Temperature)
	assert.Equal(t, models.GPUVendorAMD, gpus[1].Vendor)
	assert.Nil(t, gpus[1].Temperature, "N/A maps to nil")

	cpu, err := st.GetCPU(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "AMD Ryzen 5 3600 6-Core Processor", cpu.Model)
	assert.Equal(t, 2, cpu.Cores)
	require.NotNil(t, cpu.Temperature)
	assert.Equal(t, 48.0, *cpu.Temperature)
	require.NotNil(t, cpu.FrequencyMHz)
	assert.Equal(t, 3600.0, *cpu.FrequencyMHz)
	assert.Nil(t, cpu.Utilization, "no delta on the first sample")
	assert.Nil(t, cpu.PowerDraw, "no delta on the first sample")
}

func TestRunCycle_DerivedDeltas(t *testing.T) {
	st := store.NewMemory()
	seedRig(t, st, "r1")

	rig := &scriptedRig{}
	rig.set("cpu 1000000 0 500000 1400000 100000 0 0 0\n", "1000000000\n")
	exec := &sshexec.FakeExecutor{Handler: rig.handle}

	p := NewPoller(st, exec, nil)
	ctx := context.Background()
	p.RunCycle(ctx)

	// total delta 3,000,000 and idle delta 1,500,000 give 50.0% usage.
	rig.set("cpu 2400000 0 600000 2800000 200000 0 0 0\n", "1500000000\n")
	p.RunCycle(ctx)

	cpu, err := st.GetCPU(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, cpu.Utilization)
	assert.InDelta(t, 50.0, *cpu.Utilization, 0.1)
	require.NotNil(t, cpu.PowerDraw, "second energy sample yields a power value")
	assert.Greater(t, *cpu.PowerDraw, 0.0)
}

func TestRunCycle_CounterResetYieldsNil(t *testing.T) {
	st := store.NewMemory()
	seedRig(t, st, "r1")

	rig := &scriptedRig{}
	rig.set("cpu 2000 0 2000 8000 1000 0 0 0\n", "9000000000\n")
	exec := &sshexec.FakeExecutor{Handler: rig.handle}

	p := NewPoller(st, exec, nil)
	ctx := context.Background()
	p.RunCycle(ctx)

	// Counters went backwards: wrapped RAPL counter, rebooted rig.
	rig.set("cpu 100 0 100 400 50 0 0 0\n", "500\n")
	p.RunCycle(ctx)

	cpu, err := st.GetCPU(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, cpu.Utilization)
	assert.Nil(t, cpu.PowerDraw)
}

func TestRunCycle_IsolatesFailingRig(t *testing.T) {
	st := store.NewMemory()
	seedRig(t, st, "good")
	seedRig(t, st, "dead")

	good := &scriptedRig{}
	good.set("cpu 1000 0 1000 4000 500 0 0 0\n", "1000000000\n")
	exec := &sshexec.FakeExecutor{
		CredHandler: func(cred *models.Credential, command string, sudo bool) (string, error) {
			if cred.RigID == "dead" {
				return "", fmt.Errorf("%w: dial tcp: no route to host", sshexec.ErrConnect)
			}
			return good.handle(command, sudo)
		},
	}

	p := NewPoller(st, exec, nil)
	ctx := context.Background()
	p.RunCycle(ctx)

	deadRig, err := st.GetRig(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOffline, deadRig.Status)

	goodRig, err := st.GetRig(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOnline, goodRig.Status, "one unreachable rig must not affect the rest")
}

func TestRunCycle_SkipsUnpollableRigs(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// Push-mode rig: no credentials stored.
	require.NoError(t, st.CreateRig(ctx, &models.Rig{ID: "agent-rig", SSHEnabled: true}))
	// SSH disabled by the operator.
	require.NoError(t, st.CreateRig(ctx, &models.Rig{ID: "disabled-rig", SSHEnabled: false}))
	require.NoError(t, st.PutCredential(ctx, &models.Credential{RigID: "disabled-rig", Host: "h", Username: "u"}))

	exec := &sshexec.FakeExecutor{}
	p := NewPoller(st, exec, nil)
	p.RunCycle(ctx)

	assert.Empty(t, exec.CallLog(), "neither rig may be polled")
}

// credFailStore fails every credential lookup with a transient error,
// as a broken store would.
type credFailStore struct {
	store.Store
}

func (s *credFailStore) GetCredential(context.Context, string) (*models.Credential, error) {
	return nil, errors.New("disk I/O error")
}

func TestRunCycle_CredentialLoadFailureIsCounted(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateRig(ctx, &models.Rig{ID: "r1", SSHEnabled: true}))

	exec := &sshexec.FakeExecutor{}
	p := NewPoller(&credFailStore{Store: mem}, exec, nil)

	before := testutil.ToFloat64(metrics.RigPollErrorsTotal.WithLabelValues("credential"))
	p.RunCycle(ctx)

	assert.Empty(t, exec.CallLog(), "the rig is skipped for this cycle")
	assert.Equal(t, before+1,
		testutil.ToFloat64(metrics.RigPollErrorsTotal.WithLabelValues("credential")),
		"a failed lookup is an error, not a push-mode rig")
}

func TestRunCycle_OverlapSkipped(t *testing.T) {
	st := store.NewMemory()
	seedRig(t, st, "r1")

	block := make(chan struct{})
	exec := &sshexec.FakeExecutor{
		Handler: func(command string, sudo bool) (string, error) {
			<-block
			return "", sshexec.ErrExec
		},
	}

	p := NewPoller(st, exec, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunCycle(ctx)
	}()

	// Wait for the first cycle to be mid-flight, then attempt a second.
	require.Eventually(t, func() bool { return len(exec.CallLog()) > 0 },
		2*time.Second, 5*time.Millisecond)
	calls := len(exec.CallLog())

	p.RunCycle(ctx) // returns immediately, skipped

	assert.Equal(t, calls, len(exec.CallLog()), "a skipped cycle must not issue commands")

	close(block)
	<-done
}

func TestParseCPUIdentity(t *testing.T) {
	model, cores := parseCPUIdentity(cpuInfoFixture)
	assert.Equal(t, "AMD Ryzen 5 3600 6-Core Processor", model)
	assert.Equal(t, 2, cores)

	model, cores = parseCPUIdentity("")
	assert.Empty(t, model)
	assert.Zero(t, cores)
}
