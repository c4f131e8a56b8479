package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// DB is the sqlite-backed Store.
type DB struct {
	conn *sql.DB
}

// New opens (creating if necessary) the sqlite database at dbPath and
// runs migrations.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rigs (
		id TEXT PRIMARY KEY,
		farm_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		last_seen DATETIME,
		ssh_enabled INTEGER NOT NULL DEFAULT 1,
		mining_enabled INTEGER NOT NULL DEFAULT 1,
		overclock_enabled INTEGER NOT NULL DEFAULT 1,
		agent_token TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS credentials (
		rig_id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		username TEXT NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (rig_id) REFERENCES rigs (id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS gpus (
		rig_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		vendor TEXT NOT NULL DEFAULT 'INTEL',
		vram_mb INTEGER NOT NULL DEFAULT 0,
		temperature REAL,
		mem_temp REAL,
		fan_speed REAL,
		power_draw REAL,
		core_clock REAL,
		memory_clock REAL,
		utilization REAL,
		hashrate REAL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (rig_id, idx),
		FOREIGN KEY (rig_id) REFERENCES rigs (id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cpus (
		rig_id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		cores INTEGER NOT NULL DEFAULT 0,
		temperature REAL,
		power_draw REAL,
		frequency_mhz REAL,
		utilization REAL,
		hashrate REAL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (rig_id) REFERENCES rigs (id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS miner_instances (
		rig_id TEXT NOT NULL,
		miner_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'STOPPED',
		pid INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (rig_id, miner_name),
		FOREIGN KEY (rig_id) REFERENCES rigs (id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS alert_configs (
		rig_id TEXT PRIMARY KEY,
		max_temperature REAL NOT NULL DEFAULT 0,
		offline_seconds INTEGER NOT NULL DEFAULT 0,
		hashrate_drop_percent REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (rig_id) REFERENCES rigs (id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rig_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		gpu_index INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		rig_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rigs_agent_token ON rigs (agent_token);
	CREATE INDEX IF NOT EXISTS idx_events_rig ON events (rig_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_rig ON alerts (rig_id, created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CreateRig inserts a new rig record.
func (db *DB) CreateRig(ctx context.Context, rig *models.Rig) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO rigs (id, farm_id, name, hostname, status, last_seen,
			ssh_enabled, mining_enabled, overclock_enabled, agent_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rig.ID, rig.FarmID, rig.Name, rig.Hostname, string(rig.Status), rig.LastSeen,
		rig.SSHEnabled, rig.MiningEnabled, rig.OverclockEnabled, rig.AgentToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to create rig: %w", err)
	}
	return nil
}

const rigColumns = `id, farm_id, name, hostname, status, last_seen,
	ssh_enabled, mining_enabled, overclock_enabled, agent_token, created_at, updated_at`

func scanRig(row *sql.Row) (*models.Rig, error) {
	var rig models.Rig
	var status string
	var lastSeen sql.NullTime
	err := row.Scan(&rig.ID, &rig.FarmID, &rig.Name, &rig.Hostname, &status, &lastSeen,
		&rig.SSHEnabled, &rig.MiningEnabled, &rig.OverclockEnabled, &rig.AgentToken,
		&rig.CreatedAt, &rig.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rig: %w", err)
	}
	rig.Status = models.RigStatus(status)
	if lastSeen.Valid {
		rig.LastSeen = lastSeen.Time
	}
	return &rig, nil
}

// GetRig fetches a rig by ID.
func (db *DB) GetRig(ctx context.Context, id string) (*models.Rig, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+rigColumns+` FROM rigs WHERE id = ?`, id)
	return scanRig(row)
}

// GetRigByToken fetches a rig by its agent auth token.
func (db *DB) GetRigByToken(ctx context.Context, token string) (*models.Rig, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+rigColumns+` FROM rigs WHERE agent_token = ?`, token)
	return scanRig(row)
}

// ListRigs returns all rigs.
func (db *DB) ListRigs(ctx context.Context) ([]*models.Rig, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+rigColumns+` FROM rigs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rigs: %w", err)
	}
	defer rows.Close()

	var rigs []*models.Rig
	for rows.Next() {
		var rig models.Rig
		var status string
		var lastSeen sql.NullTime
		if err := rows.Scan(&rig.ID, &rig.FarmID, &rig.Name, &rig.Hostname, &status, &lastSeen,
			&rig.SSHEnabled, &rig.MiningEnabled, &rig.OverclockEnabled, &rig.AgentToken,
			&rig.CreatedAt, &rig.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rig: %w", err)
		}
		rig.Status = models.RigStatus(status)
		if lastSeen.Valid {
			rig.LastSeen = lastSeen.Time
		}
		rigs = append(rigs, &rig)
	}
	return rigs, rows.Err()
}

// UpdateRigStatus sets the rig's status and last-seen timestamp.
func (db *DB) UpdateRigStatus(ctx context.Context, rigID string, status models.RigStatus, lastSeen time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE rigs SET status = ?, last_seen = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), lastSeen, rigID)
	if err != nil {
		return fmt.Errorf("failed to update rig status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredential fetches the SSH credential for a rig.
func (db *DB) GetCredential(ctx context.Context, rigID string) (*models.Credential, error) {
	var cred models.Credential
	err := db.conn.QueryRowContext(ctx, `
		SELECT rig_id, host, port, username, password, private_key, updated_at
		FROM credentials WHERE rig_id = ?`, rigID).
		Scan(&cred.RigID, &cred.Host, &cred.Port, &cred.Username, &cred.Password,
			&cred.PrivateKey, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// PutCredential inserts or replaces the credential for a rig.
func (db *DB) PutCredential(ctx context.Context, cred *models.Credential) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO credentials (rig_id, host, port, username, password, private_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (rig_id) DO UPDATE SET
			host = excluded.host, port = excluded.port, username = excluded.username,
			password = excluded.password, private_key = excluded.private_key,
			updated_at = CURRENT_TIMESTAMP`,
		cred.RigID, cred.Host, cred.Port, cred.Username, cred.Password, cred.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// RigHasCredentials reports whether SSH credentials are stored for the
// rig. Presence makes the poll transport authoritative for its status.
func (db *DB) RigHasCredentials(ctx context.Context, rigID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credentials WHERE rig_id = ?`, rigID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check credentials: %w", err)
	}
	return n > 0, nil
}

// ListGPUs returns all GPU records for a rig in index order.
func (db *DB) ListGPUs(ctx context.Context, rigID string) ([]*models.GPU, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT rig_id, idx, name, vendor, vram_mb, temperature, mem_temp, fan_speed,
			power_draw, core_clock, memory_clock, utilization, hashrate, updated_at
		FROM gpus WHERE rig_id = ? ORDER BY idx`, rigID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gpus: %w", err)
	}
	defer rows.Close()

	var gpus []*models.GPU
	for rows.Next() {
		var gpu models.GPU
		var vendor string
		if err := rows.Scan(&gpu.RigID, &gpu.Index, &gpu.Name, &vendor, &gpu.VRAMMB,
			&gpu.Temperature, &gpu.MemTemp, &gpu.FanSpeed, &gpu.PowerDraw,
			&gpu.CoreClock, &gpu.MemoryClock, &gpu.Utilization, &gpu.Hashrate,
			&gpu.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gpu: %w", err)
		}
		gpu.Vendor = models.GPUVendor(vendor)
		gpus = append(gpus, &gpu)
	}
	return gpus, rows.Err()
}

// UpsertGPU inserts or updates a GPU record by (rig_id, idx).
func (db *DB) UpsertGPU(ctx context.Context, gpu *models.GPU) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO gpus (rig_id, idx, name, vendor, vram_mb, temperature, mem_temp,
			fan_speed, power_draw, core_clock, memory_clock, utilization, hashrate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (rig_id, idx) DO UPDATE SET
			name = excluded.name, vendor = excluded.vendor, vram_mb = excluded.vram_mb,
			temperature = excluded.temperature, mem_temp = excluded.mem_temp,
			fan_speed = excluded.fan_speed, power_draw = excluded.power_draw,
			core_clock = excluded.core_clock, memory_clock = excluded.memory_clock,
			utilization = excluded.utilization, hashrate = excluded.hashrate,
			updated_at = CURRENT_TIMESTAMP`,
		gpu.RigID, gpu.Index, gpu.Name, string(gpu.Vendor), gpu.VRAMMB,
		gpu.Temperature, gpu.MemTemp, gpu.FanSpeed, gpu.PowerDraw,
		gpu.CoreClock, gpu.MemoryClock, gpu.Utilization, gpu.Hashrate)
	if err != nil {
		return fmt.Errorf("failed to upsert gpu: %w", err)
	}
	return nil
}

// GetCPU fetches the CPU record for a rig.
func (db *DB) GetCPU(ctx context.Context, rigID string) (*models.CPU, error) {
	var cpu models.CPU
	err := db.conn.QueryRowContext(ctx, `
		SELECT rig_id, model, cores, temperature, power_draw, frequency_mhz,
			utilization, hashrate, updated_at
		FROM cpus WHERE rig_id = ?`, rigID).
		Scan(&cpu.RigID, &cpu.Model, &cpu.Cores, &cpu.Temperature, &cpu.PowerDraw,
			&cpu.FrequencyMHz, &cpu.Utilization, &cpu.Hashrate, &cpu.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cpu: %w", err)
	}
	return &cpu, nil
}

// UpsertCPU inserts or updates the CPU record for a rig.
func (db *DB) UpsertCPU(ctx context.Context, cpu *models.CPU) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cpus (rig_id, model, cores, temperature, power_draw, frequency_mhz,
			utilization, hashrate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (rig_id) DO UPDATE SET
			model = excluded.model, cores = excluded.cores,
			temperature = excluded.temperature, power_draw = excluded.power_draw,
			frequency_mhz = excluded.frequency_mhz, utilization = excluded.utilization,
			hashrate = excluded.hashrate, updated_at = CURRENT_TIMESTAMP`,
		cpu.RigID, cpu.Model, cpu.Cores, cpu.Temperature, cpu.PowerDraw,
		cpu.FrequencyMHz, cpu.Utilization, cpu.Hashrate)
	if err != nil {
		return fmt.Errorf("failed to upsert cpu: %w", err)
	}
	return nil
}

// GetMinerInstance fetches a miner instance by (rigID, minerName).
func (db *DB) GetMinerInstance(ctx context.Context, rigID, minerName string) (*models.MinerInstance, error) {
	var inst models.MinerInstance
	var status string
	var startedAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT rig_id, miner_name, status, pid, started_at, updated_at
		FROM miner_instances WHERE rig_id = ? AND miner_name = ?`, rigID, minerName).
		Scan(&inst.RigID, &inst.MinerName, &status, &inst.PID, &startedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get miner instance: %w", err)
	}
	inst.Status = models.MinerStatus(status)
	if startedAt.Valid {
		inst.StartedAt = startedAt.Time
	}
	return &inst, nil
}

// UpsertMinerInstance inserts or updates a miner instance.
func (db *DB) UpsertMinerInstance(ctx context.Context, inst *models.MinerInstance) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO miner_instances (rig_id, miner_name, status, pid, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (rig_id, miner_name) DO UPDATE SET
			status = excluded.status, pid = excluded.pid, started_at = excluded.started_at,
			updated_at = CURRENT_TIMESTAMP`,
		inst.RigID, inst.MinerName, string(inst.Status), inst.PID, inst.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert miner instance: %w", err)
	}
	return nil
}

// GetAlertConfig fetches per-rig alert thresholds.
func (db *DB) GetAlertConfig(ctx context.Context, rigID string) (*models.AlertConfig, error) {
	var cfg models.AlertConfig
	err := db.conn.QueryRowContext(ctx, `
		SELECT rig_id, max_temperature, offline_seconds, hashrate_drop_percent
		FROM alert_configs WHERE rig_id = ?`, rigID).
		Scan(&cfg.RigID, &cfg.MaxTemperature, &cfg.OfflineSeconds, &cfg.HashrateDropPercent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert config: %w", err)
	}
	return &cfg, nil
}

// PutAlertConfig inserts or replaces per-rig alert thresholds.
func (db *DB) PutAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO alert_configs (rig_id, max_temperature, offline_seconds, hashrate_drop_percent)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (rig_id) DO UPDATE SET
			max_temperature = excluded.max_temperature,
			offline_seconds = excluded.offline_seconds,
			hashrate_drop_percent = excluded.hashrate_drop_percent`,
		cfg.RigID, cfg.MaxTemperature, cfg.OfflineSeconds, cfg.HashrateDropPercent)
	if err != nil {
		return fmt.Errorf("failed to put alert config: %w", err)
	}
	return nil
}

// AppendAlert persists a fired alert.
func (db *DB) AppendAlert(ctx context.Context, alert *models.Alert) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO alerts (id, rig_id, type, severity, message, gpu_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RigID, string(alert.Type), string(alert.Severity),
		alert.Message, alert.GPUIndex, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// AppendEvent persists an audit event.
func (db *DB) AppendEvent(ctx context.Context, event *models.Event) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO events (id, rig_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.RigID, event.Action, event.Detail, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
