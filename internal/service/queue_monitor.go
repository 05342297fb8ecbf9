package service

import (
	"context"
	"time"

	"mailqueue/internal/metrics"
	"mailqueue/internal/models"

	"github.com/sirupsen/logrus"
)

type QueueStatsSource interface {
	QueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error)
}

// QueueMonitor publishes queue depth gauges and warns when the backlog grows
// past a threshold.
type QueueMonitor struct {
	db            QueueStatsSource
	checkInterval time.Duration
	warnDepth     int
	logger        *logrus.Logger
	metrics       *metrics.Registry
	stopCh        chan struct{}
}

func NewQueueMonitor(db QueueStatsSource, checkInterval time.Duration, warnDepth int, logger *logrus.Logger) *QueueMonitor {
	return &QueueMonitor{
		db:            db,
		checkInterval: checkInterval,
		warnDepth:     warnDepth,
		logger:        logger,
		metrics:       metrics.GetRegistry(),
		stopCh:        make(chan struct{}),
	}
}

// SetMetrics replaces the registry the gauges are published to.
func (m *QueueMonitor) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

func (m *QueueMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval": m.checkInterval,
		"warn_depth":     m.warnDepth,
	}).Info("Starting queue monitor")

	m.checkQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkQueue(ctx)
		}
	}
}

func (m *QueueMonitor) Stop() {
	close(m.stopCh)
}

func (m *QueueMonitor) checkQueue(ctx context.Context) {
	stats, err := m.db.QueueStats(ctx, time.Now().UTC())
	if err != nil {
		m.logger.WithError(err).Error("Failed to read queue stats")
		return
	}

	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		m.metrics.SetGauge(metrics.QueueDepth, float64(stats.ByPriority[p]),
			map[string]string{"priority": p.String()}, "Queued messages by priority")
	}
	m.metrics.SetGauge(metrics.QueueDepth, float64(stats.Total), nil, "Queued messages")
	m.metrics.SetGauge(metrics.QueueDeferred, float64(stats.Deferred), nil, "Queued messages deferred into the future")

	if m.warnDepth > 0 && stats.Total >= m.warnDepth {
		m.logger.WithFields(logrus.Fields{
			"depth":     stats.Total,
			"deferred":  stats.Deferred,
			"threshold": m.warnDepth,
		}).Warn("Queue backlog above threshold")
	}
}
