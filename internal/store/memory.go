package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Memory is an in-memory Store used by tests and ephemeral deployments.
type Memory struct {
	mu          sync.RWMutex
	rigs        map[string]*models.Rig
	credentials map[string]*models.Credential
	gpus        map[string]map[int]*models.GPU
	cpus        map[string]*models.CPU
	miners      map[string]map[string]*models.MinerInstance
	alertCfgs   map[string]*models.AlertConfig
	Alerts      []*models.Alert
	Events      []*models.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rigs:        make(map[string]*models.Rig),
		credentials: make(map[string]*models.Credential),
		gpus:        make(map[string]map[int]*models.GPU),
		cpus:        make(map[string]*models.CPU),
		miners:      make(map[string]map[string]*models.MinerInstance),
		alertCfgs:   make(map[string]*models.AlertConfig),
	}
}

func (m *Memory) CreateRig(_ context.Context, rig *models.Rig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rig
	m.rigs[rig.ID] = &copied
	return nil
}

func (m *Memory) GetRig(_ context.Context, id string) (*models.Rig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rig, ok := m.rigs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rig
	return &copied, nil
}

func (m *Memory) GetRigByToken(_ context.Context, token string) (*models.Rig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if token == "" {
		return nil, ErrNotFound
	}
	for _, rig := range m.rigs {
		if rig.AgentToken == token {
			copied := *rig
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListRigs(_ context.Context) ([]*models.Rig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rigs := make([]*models.Rig, 0, len(m.rigs))
	for _, rig := range m.rigs {
		copied := *rig
		rigs = append(rigs, &copied)
	}
	return rigs, nil
}

func (m *Memory) UpdateRigStatus(_ context.Context, rigID string, status models.RigStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rig, ok := m.rigs[rigID]
	if !ok {
		return ErrNotFound
	}
	rig.Status = status
	rig.LastSeen = lastSeen
	rig.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetCredential(_ context.Context, rigID string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[rigID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (m *Memory) PutCredential(_ context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cred
	m.credentials[cred.RigID] = &copied
	return nil
}

func (m *Memory) RigHasCredentials(_ context.Context, rigID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.credentials[rigID]
	return ok, nil
}

func (m *Memory) ListGPUs(_ context.Context, rigID string) ([]*models.GPU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byIdx := m.gpus[rigID]
	gpus := make([]*models.GPU, 0, len(byIdx))
	for _, gpu := range byIdx {
		copied := *gpu
		gpus = append(gpus, &copied)
	}
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].Index < gpus[j].Index })
	return gpus, nil
}

func (m *Memory) UpsertGPU(_ context.Context, gpu *models.GPU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gpus[gpu.RigID] == nil {
		m.gpus[gpu.RigID] = make(map[int]*models.GPU)
	}
	copied := *gpu
	copied.UpdatedAt = time.Now().UTC()
	m.gpus[gpu.RigID][gpu.Index] = &copied
	return nil
}

func (m *Memory) GetCPU(_ context.Context, rigID string) (*models.CPU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cpu, ok := m.cpus[rigID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cpu
	return &copied, nil
}

func (m *Memory) UpsertCPU(_ context.Context, cpu *models.CPU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cpu
	copied.UpdatedAt = time.Now().UTC()
	m.cpus[cpu.RigID] = &copied
	return nil
}

func (m *Memory) GetMinerInstance(_ context.Context, rigID, minerName string) (*models.MinerInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.miners[rigID][minerName]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (m *Memory) UpsertMinerInstance(_ context.Context, inst *models.MinerInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.miners[inst.RigID] == nil {
		m.miners[inst.RigID] = make(map[string]*models.MinerInstance)
	}
	copied := *inst
	copied.UpdatedAt = time.Now().UTC()
	m.miners[inst.RigID][inst.MinerName] = &copied
	return nil
}

func (m *Memory) GetAlertConfig(_ context.Context, rigID string) (*models.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.alertCfgs[rigID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (m *Memory) PutAlertConfig(_ context.Context, cfg *models.AlertConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cfg
	m.alertCfgs[cfg.RigID] = &copied
	return nil
}

func (m *Memory) AppendAlert(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *alert
	m.Alerts = append(m.Alerts, &copied)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.Events = append(m.Events, &copied)
	return nil
}
