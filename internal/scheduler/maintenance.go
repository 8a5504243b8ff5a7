package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/iharari2/volbalance/internal/clientdata"
	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/modules/evaluation"
)

// Maintenance owns the cron schedule for background housekeeping:
// WAL checkpoints, cache expiry sweeps, timeline retention, database
// integrity checks and system health telemetry.
type Maintenance struct {
	cron         *cron.Cron
	databases    []*database.DB
	cacheRepo    *clientdata.Repository
	timelineRepo *evaluation.TimelineRepository
	dataDir      string
	// timelineRetention bounds how long denormalised timeline rows are
	// kept. Events are never pruned.
	timelineRetention time.Duration
	log               zerolog.Logger
}

// NewMaintenance creates the maintenance scheduler. A zero retention
// defaults to 90 days.
func NewMaintenance(
	databases []*database.DB,
	cacheRepo *clientdata.Repository,
	timelineRepo *evaluation.TimelineRepository,
	dataDir string,
	timelineRetention time.Duration,
	log zerolog.Logger,
) *Maintenance {
	if timelineRetention <= 0 {
		timelineRetention = 90 * 24 * time.Hour
	}
	return &Maintenance{
		cron:              cron.New(),
		databases:         databases,
		cacheRepo:         cacheRepo,
		timelineRepo:      timelineRepo,
		dataDir:           dataDir,
		timelineRetention: timelineRetention,
		log:               log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (m *Maintenance) Start() error {
	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{"0 * * * *", "wal_checkpoint", m.checkpointAll},
		{"15 */6 * * *", "cache_cleanup", m.cleanupCache},
		{"30 2 * * *", "timeline_retention", m.pruneTimeline},
		{"45 3 * * 0", "integrity_check", m.integrityCheck},
		{"*/5 * * * *", "health_check", m.healthCheck},
	}
	for _, j := range jobs {
		job := j
		if _, err := m.cron.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
		m.log.Debug().Str("job", job.name).Str("spec", job.spec).Msg("Maintenance job registered")
	}
	m.cron.Start()
	m.log.Info().Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the cron scheduler, waiting for running jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("Maintenance scheduler stopped")
}

// checkpointAll truncates the WAL on every live database to keep the WAL
// files from growing unbounded between restarts.
func (m *Maintenance) checkpointAll() {
	for _, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Err(err).Str("db", db.Name()).Msg("WAL checkpoint failed")
			continue
		}
		m.log.Debug().Str("db", db.Name()).Msg("WAL checkpoint complete")
	}
}

// cleanupCache sweeps expired rows out of the client-data cache.
func (m *Maintenance) cleanupCache() {
	if m.cacheRepo == nil {
		return
	}
	n, err := m.cacheRepo.CleanupAll()
	if err != nil {
		m.log.Warn().Err(err).Msg("Cache cleanup failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("rows", n).Msg("Expired cache rows removed")
	}
}

// pruneTimeline drops timeline rows past the retention horizon.
func (m *Maintenance) pruneTimeline() {
	if m.timelineRepo == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-m.timelineRetention)
	if _, err := m.timelineRepo.PruneOlderThan(cutoff); err != nil {
		m.log.Warn().Err(err).Msg("Timeline retention failed")
	}
}

// integrityCheck runs the expensive PRAGMA integrity_check on every
// database during the weekly quiet window.
func (m *Maintenance) integrityCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			m.log.Error().Err(err).Str("db", db.Name()).Msg("Database integrity check failed")
			continue
		}
		m.log.Debug().Str("db", db.Name()).Msg("Integrity check passed")
	}
}

// healthCheck logs system and database telemetry so operators can see
// resource pressure building before it bites.
func (m *Maintenance) healthCheck() {
	entry := m.log.Info()

	if vm, err := mem.VirtualMemory(); err == nil {
		entry = entry.Float64("mem_used_pct", vm.UsedPercent)
	}
	if du, err := disk.Usage(m.dataDir); err == nil {
		entry = entry.Float64("disk_used_pct", du.UsedPercent).
			Uint64("disk_free_bytes", du.Free)
	}
	var dbBytes int64
	for _, db := range m.databases {
		dbBytes += db.SizeBytes()
	}
	entry.Int64("db_total_bytes", dbBytes).Msg("Health check")
}
