package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/locking"
)

// walFrameWarnThreshold flags a write-ahead log that passive
// checkpoints are not keeping up with.
const walFrameWarnThreshold = 1000

// diskUsedWarnPercent is where the data volume counts as almost full.
const diskUsedWarnPercent = 90.0

// HealthCheckJob guards the store: SQLite integrity check, a passive
// WAL checkpoint and a disk usage warning, every six hours.
type HealthCheckJob struct {
	db      *database.DB
	locks   *locking.Manager
	dataDir string
	log     zerolog.Logger
}

func NewHealthCheckJob(db *database.DB, locks *locking.Manager, dataDir string, log zerolog.Logger) *HealthCheckJob {
	return &HealthCheckJob{
		db:      db,
		locks:   locks,
		dataDir: dataDir,
		log:     log.With().Str("job", "health_check").Logger(),
	}
}

func (j *HealthCheckJob) Name() string { return "health_check" }

func (j *HealthCheckJob) Run() error {
	if !j.locks.Acquire("health_check") {
		j.log.Warn().Msg("Health check already running, skipping")
		return nil
	}
	defer j.locks.Release("health_check")

	start := time.Now()

	if j.db.Recovered() {
		j.log.Warn().
			Str("path", j.db.Path()).
			Msg("Store was rebuilt from scratch after corruption this run")
	}

	if err := j.checkIntegrity(j.db.Reader()); err != nil {
		j.log.Error().Err(err).Msg("Store integrity check failed")
		return err
	}
	j.checkpointWAL()
	j.checkDiskSpace()

	j.log.Info().
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
	return nil
}

func (j *HealthCheckJob) checkIntegrity(conn *sql.DB) error {
	var result string
	if err := conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned: %s", result)
	}
	j.log.Debug().Msg("Store integrity OK")
	return nil
}

// checkpointWAL folds the write-ahead log back into the main file. A
// passive checkpoint never blocks readers, so a large frame count here
// means a long-lived reader is pinning the WAL.
func (j *HealthCheckJob) checkpointWAL() {
	var busy, frames, checkpointed int
	err := j.db.Writer().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
		return
	}
	if frames > walFrameWarnThreshold {
		j.log.Warn().
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large")
		return
	}
	j.log.Debug().Int("wal_frames", frames).Msg("WAL checkpoint OK")
}

func (j *HealthCheckJob) checkDiskSpace() {
	if j.dataDir == "" {
		return
	}
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Disk usage unavailable")
		return
	}
	if usage.UsedPercent >= diskUsedWarnPercent {
		j.log.Warn().
			Float64("used_percent", usage.UsedPercent).
			Str("path", j.dataDir).
			Msg("Data volume almost full")
		return
	}
	j.log.Debug().Float64("used_percent", usage.UsedPercent).Msg("Disk usage OK")
}
