package service

import (
	"context"
	"testing"
	"time"

	"mailqueue/internal/metrics"
	"mailqueue/internal/models"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueueMonitor_CheckQueue(t *testing.T) {
	stats := &mockStats{}
	logger, hook := logtest.NewNullLogger()
	registry := metrics.NewRegistry()

	m := NewQueueMonitor(stats, time.Minute, 5, logger)
	m.SetMetrics(registry)

	stats.On("QueueStats", mock.Anything, mock.Anything).Return(&models.QueueStats{
		ByPriority: map[models.Priority]int{models.PriorityHigh: 1, models.PriorityLow: 5},
		Deferred:   2,
		Total:      6,
	}, nil).Once()

	m.checkQueue(context.Background())

	depth, ok := registry.GaugeValue(metrics.QueueDepth, nil)
	require.True(t, ok)
	assert.Equal(t, 6.0, depth)

	high, _ := registry.GaugeValue(metrics.QueueDepth, map[string]string{"priority": "high"})
	normal, ok := registry.GaugeValue(metrics.QueueDepth, map[string]string{"priority": "normal"})
	assert.True(t, ok)
	assert.Equal(t, 1.0, high)
	assert.Equal(t, 0.0, normal)

	deferred, _ := registry.GaugeValue(metrics.QueueDeferred, nil)
	assert.Equal(t, 2.0, deferred)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Queue backlog above threshold", hook.LastEntry().Message)
	stats.AssertExpectations(t)
}

func TestQueueMonitor_CheckQueueError(t *testing.T) {
	stats := &mockStats{}
	logger, hook := logtest.NewNullLogger()
	registry := metrics.NewRegistry()

	m := NewQueueMonitor(stats, time.Minute, 0, logger)
	m.SetMetrics(registry)

	stats.On("QueueStats", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	m.checkQueue(context.Background())

	_, ok := registry.GaugeValue(metrics.QueueDepth, nil)
	assert.False(t, ok)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestQueueMonitor_StartStop(t *testing.T) {
	stats := &mockStats{}
	m := NewQueueMonitor(stats, 10*time.Millisecond, 0, quietLogger())
	m.SetMetrics(metrics.NewRegistry())

	stats.On("QueueStats", mock.Anything, mock.Anything).Return(&models.QueueStats{ByPriority: map[models.Priority]int{}}, nil)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not stop within timeout")
	}
	assert.GreaterOrEqual(t, len(stats.Calls), 2)
}
