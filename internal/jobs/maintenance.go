package jobs

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tripsync/internal/metrics"
	"tripsync/internal/registry"
)

// LimiterSweeper drops idle rate limiter entries
type LimiterSweeper interface {
	Cleanup() int
}

// RoomStatsSource reports room occupancy
type RoomStatsSource interface {
	GetStats() registry.Stats
}

// SessionStatsSource reports session counts by state
type SessionStatsSource interface {
	GetStats() map[string]int
}

// MaintenanceConfig holds the cron schedules. An empty schedule disables
// that job.
type MaintenanceConfig struct {
	LimiterCleanup string // e.g. "@every 5m"
	StatsReport    string // e.g. "*/1 * * * *"
}

// MaintenanceJob runs periodic housekeeping for the relay
type MaintenanceJob struct {
	limiter  LimiterSweeper
	rooms    RoomStatsSource
	sessions SessionStatsSource
	config   *MaintenanceConfig
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewMaintenanceJob creates a maintenance job
func NewMaintenanceJob(limiter LimiterSweeper, rooms RoomStatsSource, sessions SessionStatsSource, config *MaintenanceConfig, logger *zap.Logger) *MaintenanceJob {
	if config == nil {
		config = &MaintenanceConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceJob{
		limiter:  limiter,
		rooms:    rooms,
		sessions: sessions,
		config:   config,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the configured jobs
func (j *MaintenanceJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}

	if j.config.LimiterCleanup != "" && j.limiter != nil {
		if _, err := j.cron.AddFunc(j.config.LimiterCleanup, func() { j.RunLimiterCleanup() }); err != nil {
			return fmt.Errorf("failed to schedule limiter cleanup: %w", err)
		}
	}
	if j.config.StatsReport != "" {
		if _, err := j.cron.AddFunc(j.config.StatsReport, j.RunStatsReport); err != nil {
			return fmt.Errorf("failed to schedule stats report: %w", err)
		}
	}

	if len(j.cron.Entries()) == 0 {
		j.logger.Info("no maintenance jobs scheduled")
		return nil
	}

	j.cron.Start()
	j.started = true
	j.logger.Info("maintenance jobs started",
		zap.String("limiter_cleanup", j.config.LimiterCleanup),
		zap.String("stats_report", j.config.StatsReport))
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish
func (j *MaintenanceJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	<-j.cron.Stop().Done()
	j.started = false
	j.logger.Info("maintenance jobs stopped")
}

// RunLimiterCleanup sweeps the rate limiter once and returns how many
// entries were removed
func (j *MaintenanceJob) RunLimiterCleanup() int {
	if j.limiter == nil {
		return 0
	}
	removed := j.limiter.Cleanup()
	if removed > 0 {
		j.logger.Debug("rate limiter swept", zap.Int("removed", removed))
	}
	return removed
}

// RunStatsReport refreshes the occupancy gauges and logs a summary
func (j *MaintenanceJob) RunStatsReport() {
	var rooms registry.Stats
	if j.rooms != nil {
		rooms = j.rooms.GetStats()
	}
	metrics.SetRoomStats(rooms.Rooms, rooms.Members)

	fields := []zap.Field{
		zap.Int("rooms", rooms.Rooms),
		zap.Int("members", rooms.Members),
	}
	if j.sessions != nil {
		for state, n := range j.sessions.GetStats() {
			fields = append(fields, zap.Int(state, n))
		}
	}
	j.logger.Info("collaboration stats", fields...)
}
