package service

import (
	"context"
	"sync"
	"time"

	"mailqueue/internal/constants"
	"mailqueue/internal/database"
	"mailqueue/internal/engine"
	"mailqueue/internal/metrics"

	"github.com/sirupsen/logrus"
)

// PassRunner performs one queue drain pass.
type PassRunner interface {
	RunPass(ctx context.Context) (*engine.PassSummary, error)
}

// RecordCleaner removes resolved messages and log entries past retention.
type RecordCleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int, now time.Time) (*database.CleanupResult, error)
}

// SchedulerConfig holds the daemon intervals.
type SchedulerConfig struct {
	PassInterval    time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
}

// Scheduler drives the engine in daemon mode: a pass every PassInterval and
// a retention cleanup every CleanupInterval. Passes never overlap within the
// process; the run lock serializes them against other processes.
type Scheduler struct {
	runner  PassRunner
	cleaner RecordCleaner
	logger  *logrus.Logger
	metrics *metrics.Registry
	clock   func() time.Time
	stopCh  chan struct{}
	stop    sync.Once

	mu  sync.RWMutex
	cfg SchedulerConfig
}

func NewScheduler(runner PassRunner, cleaner RecordCleaner, cfg SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = constants.DefaultPassIntervalSec * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = constants.DefaultCleanupIntervalHrs * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = constants.DefaultRetentionDays
	}
	return &Scheduler{
		runner:  runner,
		cleaner: cleaner,
		logger:  logger,
		metrics: metrics.GetRegistry(),
		clock:   func() time.Time { return time.Now().UTC() },
		stopCh:  make(chan struct{}),
		cfg:     cfg,
	}
}

// SetMetrics replaces the registry cleanup metrics are recorded in.
func (s *Scheduler) SetMetrics(r *metrics.Registry) {
	s.metrics = r
}

// Update applies new intervals; running tickers pick them up on their next tick.
func (s *Scheduler) Update(cfg SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.PassInterval > 0 {
		s.cfg.PassInterval = cfg.PassInterval
	}
	if cfg.CleanupInterval > 0 {
		s.cfg.CleanupInterval = cfg.CleanupInterval
	}
	if cfg.RetentionDays > 0 {
		s.cfg.RetentionDays = cfg.RetentionDays
	}
}

func (s *Scheduler) config() SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start runs until ctx is canceled or Stop is called. A pass and a cleanup
// run immediately on start.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.config()
	passInterval, cleanupInterval := cfg.PassInterval, cfg.CleanupInterval

	passTicker := time.NewTicker(passInterval)
	defer passTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	s.logger.WithFields(logrus.Fields{
		"pass_interval":    passInterval,
		"cleanup_interval": cleanupInterval,
	}).Info("Starting queue scheduler")

	s.runPass(ctx)
	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-passTicker.C:
			s.runPass(ctx)
			if d := s.config().PassInterval; d != passInterval {
				passInterval = d
				passTicker.Reset(d)
			}
		case <-cleanupTicker.C:
			s.runCleanup(ctx)
			if d := s.config().CleanupInterval; d != cleanupInterval {
				cleanupInterval = d
				cleanupTicker.Reset(d)
			}
		}
	}
}

func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runPass(ctx context.Context) {
	summary, err := s.runner.RunPass(ctx)
	if err != nil {
		// the engine has already logged the failure with its pass id
		s.logger.WithError(err).Debug("Scheduled pass ended with error")
		return
	}
	if summary != nil && summary.Status == engine.PassLockContended {
		s.logger.Debug("Scheduled pass skipped, another runner holds the lock")
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	retentionDays := s.config().RetentionDays
	s.logger.WithField("retentionDays", retentionDays).Info("Running scheduled cleanup")

	result, err := s.cleaner.CleanupOldRecords(ctx, retentionDays, s.clock())
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old records")
		return
	}

	s.metrics.AddToCounter(metrics.CleanupRemoved, float64(result.LogEntries), map[string]string{"kind": "log_entries"}, "Records removed by retention cleanup")
	s.metrics.AddToCounter(metrics.CleanupRemoved, float64(result.Messages), map[string]string{"kind": "messages"}, "Records removed by retention cleanup")
	s.logger.WithFields(logrus.Fields{
		"log_entries": result.LogEntries,
		"messages":    result.Messages,
	}).Info("Successfully completed cleanup")
}
