package scheduler

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/config"
	"github.com/carpenike/cspd/internal/models"
)

// Status holds the result of the last maintenance run.
type Status struct {
	LastRun       time.Time
	NextRun       time.Time
	ReportsPruned int64
	RetentionDays int
	Schedule      string
}

// PruneRecorder counts pruned reports.
type PruneRecorder interface {
	ReportsPruned(n int64)
}

// Scheduler prunes old violation reports in the background.
type Scheduler struct {
	db      *sql.DB
	cfg     config.ReportsConfig
	log     *zap.Logger
	metrics PruneRecorder

	cron  *cron.Cron
	sched cron.Schedule
	wg    sync.WaitGroup
	runMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

// New creates a Scheduler for the given database. metrics may be nil.
func New(db *sql.DB, cfg config.ReportsConfig, log *zap.Logger, metrics PruneRecorder) *Scheduler {
	return &Scheduler{
		db:      db,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		cron:    cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(log)))),
	}
}

// Start runs an initial pass immediately, then repeats on the configured
// schedule. Call Stop to shut down gracefully.
func (s *Scheduler) Start() error {
	sched, err := cron.ParseStandard(s.cfg.PruneSchedule)
	if err != nil {
		return fmt.Errorf("scheduler: schedule %q: %w", s.cfg.PruneSchedule, err)
	}
	s.sched = sched
	s.cron.Schedule(sched, cron.FuncJob(s.runMaintenance))
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMaintenance()
	}()

	s.log.Info("background scheduler started",
		zap.String("schedule", s.cfg.PruneSchedule),
		zap.Int("retention_days", s.cfg.RetentionDays),
	)
	return nil
}

// Stop waits for running jobs to finish and stops scheduling new ones.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("background scheduler stopped")
}

// Status returns the result of the last maintenance run.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// runMaintenance executes all periodic cleanup tasks. Runs never overlap.
func (s *Scheduler) runMaintenance() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	pruned := s.pruneOldReports()

	now := time.Now()
	next := now
	if s.sched != nil {
		next = s.sched.Next(now)
	}

	s.mu.Lock()
	s.status = Status{
		LastRun:       now,
		NextRun:       next,
		ReportsPruned: pruned,
		RetentionDays: s.cfg.RetentionDays,
		Schedule:      s.cfg.PruneSchedule,
	}
	s.mu.Unlock()
}

// pruneOldReports removes reports older than the retention period.
func (s *Scheduler) pruneOldReports() int64 {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := models.DeleteReportsBefore(s.db, cutoff)
	if err != nil {
		s.log.Error("prune old reports", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		s.log.Info("pruned old reports", zap.Int64("deleted", deleted))
		if s.metrics != nil {
			s.metrics.ReportsPruned(deleted)
		}
	}
	return deleted
}
