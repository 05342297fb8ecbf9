package config

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"mailqueue/internal/constants"
	"mailqueue/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchedConfig = `{
	"database": {"path": "/path/to/queue.db"},
	"queue": {"maxRetries": 3},
	"retry": {"strategy": "fixed", "initialBackoffMs": 1000, "maxBackoffMs": 5000},
	"transport": {"kind": "spool", "spool_dir": "/tmp/spool"},
	"retentionDays": 30
}`

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

// syncBuffer collects log output written from callback goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.buf.Write(p)
	})
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLoadedWatcher(t *testing.T, content string) (*ConfigWatcher, string, *syncBuffer) {
	t.Helper()
	clearEnv(t)
	path := writeConfig(t, content)

	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(out.writer())

	watcher := NewConfigWatcher(path, logger)
	config, err := LoadConfig(path)
	require.NoError(t, err)
	watcher.mu.Lock()
	watcher.config = config
	watcher.mu.Unlock()
	return watcher, path, out
}

func TestNewConfigWatcher(t *testing.T) {
	logger := logrus.New()
	watcher := NewConfigWatcher("/path/to/config.json", logger)

	assert.Equal(t, "/path/to/config.json", watcher.configPath)
	assert.Equal(t, logger, watcher.logger)
	assert.Equal(t, constants.ConfigWatchIntervalSec*time.Second, watcher.interval)
	assert.Empty(t, watcher.callbacks)
	assert.Nil(t, watcher.GetConfig())

	watcher.SetInterval(0)
	assert.Equal(t, constants.ConfigWatchIntervalSec*time.Second, watcher.interval)
	watcher.SetInterval(time.Second)
	assert.Equal(t, time.Second, watcher.interval)
}

func TestConfigWatcher_Start_InvalidPath(t *testing.T) {
	clearEnv(t)
	watcher := NewConfigWatcher("/nonexistent/config.json", logrus.New())

	err := watcher.Start(context.Background())
	assert.Error(t, err)
}

func TestConfigWatcher_Start_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, watchedConfig)
	watcher := NewConfigWatcher(path, logrus.New())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, watcher.Start(ctx))

	config := watcher.GetConfig()
	require.NotNil(t, config)
	assert.Equal(t, "/path/to/queue.db", config.Database.Path)
	assert.Equal(t, 3, config.Queue.MaxRetries)
}

func TestConfigWatcher_Start_DetectsChange(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, watchedConfig)
	watcher := NewConfigWatcher(path, logrus.New())
	watcher.SetInterval(10 * time.Millisecond)

	changed := make(chan *models.Config, 16)
	watcher.OnConfigChange(func(c *models.Config) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	require.Eventually(t, func() bool { return watcher.GetConfig() != nil }, time.Second, 5*time.Millisecond)

	updated := strings.Replace(watchedConfig, `"maxRetries": 3`, `"maxRetries": 7`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	// keep pushing the mtime forward so the change is seen regardless of
	// when the watcher took its initial stat
	var got *models.Config
	bump := time.Now()
	require.Eventually(t, func() bool {
		select {
		case got = <-changed:
			return true
		default:
			bump = bump.Add(time.Second)
			_ = os.Chtimes(path, bump, bump)
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7, got.Queue.MaxRetries)

	cancel()
	assert.NoError(t, <-done)
}

func TestConfigWatcher_ReloadConfig_FileChanged(t *testing.T) {
	watcher, path, out := newLoadedWatcher(t, watchedConfig)

	received := make(chan *models.Config, 1)
	watcher.OnConfigChange(func(c *models.Config) { received <- c })

	updated := strings.Replace(watchedConfig, `"retentionDays": 30`, `"retentionDays": 60`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	watcher.reloadConfig()

	select {
	case c := <-received:
		assert.Equal(t, 60, c.RetentionDays)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Equal(t, 60, watcher.GetConfig().RetentionDays)
	assert.Contains(t, out.String(), "Configuration reloaded successfully")
	assert.Contains(t, out.String(), "Retention days changed")
}

func TestConfigWatcher_ReloadConfig_InvalidFile(t *testing.T) {
	watcher, path, out := newLoadedWatcher(t, watchedConfig)
	before := watcher.GetConfig()

	require.NoError(t, os.WriteFile(path, []byte(`invalid json`), 0644))
	watcher.reloadConfig()

	assert.Contains(t, out.String(), "Failed to reload configuration")
	assert.Same(t, before, watcher.GetConfig())
}

func TestConfigWatcher_CallbackPanic(t *testing.T) {
	watcher, _, out := newLoadedWatcher(t, watchedConfig)

	watcher.OnConfigChange(func(*models.Config) {
		panic("test panic")
	})

	watcher.reloadConfig()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Config change callback panicked")
	}, time.Second, 5*time.Millisecond)
}

func TestConfigWatcher_LogConfigChanges(t *testing.T) {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(out.writer())
	watcher := NewConfigWatcher("/path/to/config.json", logger)

	oldConfig := Default()
	newConfig := Default()
	newConfig.Queue.MaxRetries = 9
	newConfig.Queue.PassIntervalSec = 10
	newConfig.Retry.Strategy = "linear"
	newConfig.RetentionDays = 90
	newConfig.Transport.SMTP.Host = "other.example.com"

	watcher.logConfigChanges(oldConfig, newConfig)

	logStr := out.String()
	assert.Contains(t, logStr, "Max retries changed")
	assert.Contains(t, logStr, "Retry policy changed")
	assert.Contains(t, logStr, "Pass interval changed")
	assert.Contains(t, logStr, "Retention days changed")
	assert.Contains(t, logStr, "restart required")
}

func TestConfigWatcher_LogConfigChanges_NilOldConfig(t *testing.T) {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(out.writer())
	watcher := NewConfigWatcher("/path/to/config.json", logger)

	watcher.logConfigChanges(nil, Default())

	assert.Equal(t, "", out.String())
}
