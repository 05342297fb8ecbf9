package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailqueue/internal/metrics"
	"mailqueue/internal/middleware"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestServer_HandleHealth(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(nil).Once()
	server := NewServer(pinger, metrics.NewRegistry(), quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	pinger.AssertExpectations(t)
}

func TestServer_HandleHealth_DatabaseDown(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(assert.AnError).Once()
	server := NewServer(pinger, metrics.NewRegistry(), quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestServer_HandleMetrics(t *testing.T) {
	registry := metrics.NewRegistry()
	registry.IncrementCounter(metrics.MessagesSent, nil, "Messages sent")
	registry.SetGauge(metrics.QueueDepth, 3, nil, "Queued messages")
	server := NewServer(new(MockPinger), registry, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), metrics.MessagesSent)
	assert.Contains(t, w.Body.String(), metrics.QueueDepth)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server := NewServer(new(MockPinger), metrics.NewRegistry(), quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(nil)
	server := NewServer(pinger, metrics.NewRegistry(), quietLogger())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestServer_RecordsRequestMetrics(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(nil)
	registry := metrics.NewRegistry()
	server := NewServer(pinger, registry, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, registry.CounterValue(middleware.RequestsTotal, map[string]string{
		"method": "GET", "endpoint": "/health", "status_code": "200",
	}))
}
