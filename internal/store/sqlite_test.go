package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRig(t *testing.T, db *DB, id string) *models.Rig {
	t.Helper()
	rig := &models.Rig{
		ID:         id,
		Name:       "rig-" + id,
		Hostname:   id + ".local",
		Status:     models.RigStatusOffline,
		AgentToken: "token-" + id,
		SSHEnabled: true,
	}
	require.NoError(t, db.CreateRig(context.Background(), rig))
	return rig
}

func TestRigLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRig(t, db, "r1")

	rig, err := db.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOffline, rig.Status)

	byToken, err := db.GetRigByToken(ctx, "token-r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", byToken.ID)

	_, err = db.GetRigByToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.UpdateRigStatus(ctx, "r1", models.RigStatusOnline, now))

	rig, err = db.GetRig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RigStatusOnline, rig.Status)
	assert.WithinDuration(t, now, rig.LastSeen, time.Second)

	assert.ErrorIs(t, db.UpdateRigStatus(ctx, "missing", models.RigStatusOnline, now), ErrNotFound)
}

func TestCredentialRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRig(t, db, "r1")

	has, err := db.RigHasCredentials(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, has)

	cred := &models.Credential{
		RigID:    "r1",
		Host:     "10.0.0.5",
		Port:     22,
		Username: "miner",
		Password: "aa:bb:cc",
	}
	require.NoError(t, db.PutCredential(ctx, cred))

	got, err := db.GetCredential(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Host)
	assert.Equal(t, "aa:bb:cc", got.Password)

	has, err = db.RigHasCredentials(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, has)

	// Replace on conflict.
	cred.Host = "10.0.0.6"
	require.NoError(t, db.PutCredential(ctx, cred))
	got, err = db.GetCredential(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", got.Host)
}

func TestGPUUpsertByNaturalKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRig(t, db, "r1")

	temp := 65.0
	gpu := &models.GPU{RigID: "r1", Index: 0, Name: "NVIDIA RTX 3080", Vendor: models.GPUVendorNvidia, Temperature: &temp}
	require.NoError(t, db.UpsertGPU(ctx, gpu))

	temp2 := 70.0
	gpu.Temperature = &temp2
	require.NoError(t, db.UpsertGPU(ctx, gpu))

	gpus, err := db.ListGPUs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, gpus, 1, "same (rig, index) must update, not duplicate")
	require.NotNil(t, gpus[0].Temperature)
	assert.Equal(t, 70.0, *gpus[0].Temperature)
}

func TestMinerInstanceUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRig(t, db, "r1")

	inst := &models.MinerInstance{
		RigID:     "r1",
		MinerName: "t-rex",
		Status:    models.MinerStatusRunning,
		PID:       4242,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, db.UpsertMinerInstance(ctx, inst))

	inst.Status = models.MinerStatusStopped
	inst.PID = 0
	require.NoError(t, db.UpsertMinerInstance(ctx, inst))

	got, err := db.GetMinerInstance(ctx, "r1", "t-rex")
	require.NoError(t, err)
	assert.Equal(t, models.MinerStatusStopped, got.Status)
	assert.Equal(t, 0, got.PID)

	_, err = db.GetMinerInstance(ctx, "r1", "lolminer")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlertConfigAndEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRig(t, db, "r1")

	_, err := db.GetAlertConfig(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &models.AlertConfig{RigID: "r1", MaxTemperature: 80, OfflineSeconds: 120, HashrateDropPercent: 25}
	require.NoError(t, db.PutAlertConfig(ctx, cfg))

	got, err := db.GetAlertConfig(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.MaxTemperature)

	require.NoError(t, db.AppendAlert(ctx, &models.Alert{
		ID: "a1", RigID: "r1", Type: models.AlertHighTemperature,
		Severity: models.SeverityCritical, Message: "gpu 0 at 95C", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, db.AppendEvent(ctx, models.NewEvent("r1", "miner_start", "t-rex kawpow")))
}
