// Package store persists rigs, credentials, hardware snapshots, miner
// instances, alert configuration, and audit events. The core consumes
// the Store interface only; the sqlite implementation is the production
// backend and Memory backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface consumed by the control and
// telemetry subsystems.
type Store interface {
	// Rigs.
	CreateRig(ctx context.Context, rig *models.Rig) error
	GetRig(ctx context.Context, id string) (*models.Rig, error)
	GetRigByToken(ctx context.Context, token string) (*models.Rig, error)
	ListRigs(ctx context.Context) ([]*models.Rig, error)
	UpdateRigStatus(ctx context.Context, rigID string, status models.RigStatus, lastSeen time.Time) error

	// Credentials (ciphertext only; the store never sees plaintext).
	GetCredential(ctx context.Context, rigID string) (*models.Credential, error)
	PutCredential(ctx context.Context, cred *models.Credential) error
	RigHasCredentials(ctx context.Context, rigID string) (bool, error)

	// Hardware snapshots, upserted by natural key.
	ListGPUs(ctx context.Context, rigID string) ([]*models.GPU, error)
	UpsertGPU(ctx context.Context, gpu *models.GPU) error
	GetCPU(ctx context.Context, rigID string) (*models.CPU, error)
	UpsertCPU(ctx context.Context, cpu *models.CPU) error

	// Miner instances, keyed by (rigID, minerName).
	GetMinerInstance(ctx context.Context, rigID, minerName string) (*models.MinerInstance, error)
	UpsertMinerInstance(ctx context.Context, inst *models.MinerInstance) error

	// Alerts.
	GetAlertConfig(ctx context.Context, rigID string) (*models.AlertConfig, error)
	PutAlertConfig(ctx context.Context, cfg *models.AlertConfig) error
	AppendAlert(ctx context.Context, alert *models.Alert) error

	// Audit trail.
	AppendEvent(ctx context.Context, event *models.Event) error
}
