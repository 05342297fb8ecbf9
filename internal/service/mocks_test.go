package service

import (
	"context"
	"time"

	"mailqueue/internal/database"
	"mailqueue/internal/engine"
	"mailqueue/internal/models"

	"github.com/stretchr/testify/mock"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunPass(ctx context.Context) (*engine.PassSummary, error) {
	args := m.Called(ctx)
	summary, _ := args.Get(0).(*engine.PassSummary)
	return summary, args.Error(1)
}

type mockCleaner struct {
	mock.Mock
}

func (m *mockCleaner) CleanupOldRecords(ctx context.Context, retentionDays int, now time.Time) (*database.CleanupResult, error) {
	args := m.Called(ctx, retentionDays, now)
	result, _ := args.Get(0).(*database.CleanupResult)
	return result, args.Error(1)
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) QueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	args := m.Called(ctx, now)
	stats, _ := args.Get(0).(*models.QueueStats)
	return stats, args.Error(1)
}
