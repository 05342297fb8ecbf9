// Package engine drains the mail queue. A pass runs under the run-lock,
// attempts every eligible entry at most once in priority order and records
// the outcome of each attempt in the activity log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailqueue/internal/constants"
	"mailqueue/internal/database"
	apperrors "mailqueue/internal/errors"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
	"mailqueue/internal/privacy"
	"mailqueue/internal/queue"
	"mailqueue/internal/retry"
	"mailqueue/internal/runlock"
	"mailqueue/internal/tracing"
	"mailqueue/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

// Status describes how a pass ended.
type Status string

const (
	PassCompleted     Status = "completed"
	PassLockContended Status = "lock_contended"
	PassAborted       Status = "aborted"
)

// PassSummary reports what a pass did.
type PassSummary struct {
	PassID    string        `json:"passId"`
	Status    Status        `json:"status"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Attempted is the number of transport or blacklist decisions made.
func (s *PassSummary) Attempted() int {
	return s.Sent + s.Skipped + s.Failed + s.Deferred
}

// Store is what the engine reads and mutates. *database.Database implements it.
type Store interface {
	queue.Store
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
}

// Blacklist answers whether a recipient is suppressed.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, address string) (bool, error)
}

// Config controls a pass.
type Config struct {
	// LockPath names the run-lock file shared by every process draining the
	// same queue.
	LockPath string
	// MaxRetries is the total number of delivery attempts allowed for a
	// message; a transient failure on the last attempt is final.
	MaxRetries int
	// Policy decides how long a transiently failed message waits.
	Policy retry.Policy
	// Clock returns the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
	// LogAddresses disables masking of recipient addresses in logs.
	LogAddresses bool
}

type Engine struct {
	store     Store
	blacklist Blacklist
	transport transport.Transport
	logger    *logrus.Logger
	metrics   *metrics.Registry

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store Store, blacklist Blacklist, tr transport.Transport, logger *logrus.Logger) (*Engine, error) {
	if store == nil || blacklist == nil || tr == nil {
		return nil, apperrors.New(apperrors.ErrCodeInternalError, "engine requires a store, a blacklist and a transport")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.LockPath == "" {
		cfg.LockPath = constants.DefaultLockPath
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.MaxRetries < 1 {
		return nil, apperrors.NewConfigError("queue.maxRetries", fmt.Sprintf("max retries must be at least 1, got %d", cfg.MaxRetries))
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.Exponential(retry.BackoffConfig{
			InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
			Multiplier:   constants.DefaultRetryMultiplier,
		})
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		store:     store,
		blacklist: blacklist,
		transport: tr,
		logger:    logger,
		metrics:   metrics.GetRegistry(),
		cfg:       cfg,
	}, nil
}

// SetMetrics replaces the registry pass metrics are recorded in.
func (e *Engine) SetMetrics(r *metrics.Registry) {
	e.metrics = r
}

// UpdateRetry swaps the retry settings used by subsequent passes.
func (e *Engine) UpdateRetry(maxRetries int, policy retry.Policy) error {
	if maxRetries < 1 {
		return apperrors.NewConfigError("queue.maxRetries", fmt.Sprintf("max retries must be at least 1, got %d", maxRetries))
	}
	if policy == nil {
		return apperrors.NewConfigError("retry.strategy", "retry policy cannot be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxRetries = maxRetries
	e.cfg.Policy = policy
	return nil
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// RunPass performs one drain pass. Lock contention is not an error: the
// summary has status PassLockContended and nothing is touched. A store error
// aborts the pass and is returned; the lock is released on every path.
func (e *Engine) RunPass(ctx context.Context) (summary *PassSummary, err error) {
	cfg := e.config()
	start := time.Now()
	summary = &PassSummary{
		PassID:    uuid.NewString(),
		StartedAt: cfg.Clock(),
	}

	ctx = tracing.WithPassID(ctx, summary.PassID)
	ctx, span := tracing.StartSpan(ctx, "queue.pass", attribute.String("pass_id", summary.PassID))
	defer span.End()
	log := e.logger.WithFields(tracing.LogFields(ctx))

	lock, err := runlock.Acquire(cfg.LockPath)
	if errors.Is(err, runlock.ErrLocked) {
		log.Info("Lock already in place. Exiting.")
		summary.Status = PassLockContended
		summary.Duration = time.Since(start)
		e.metrics.IncrementCounter(metrics.LockContended, nil, "Passes that found the run lock held")
		span.SetAttributes(attribute.String("status", string(summary.Status)))
		return summary, nil
	}
	if err != nil {
		summary.Status = PassAborted
		summary.Duration = time.Since(start)
		err = apperrors.Wrap(err, apperrors.ErrCodeRunLock, "failed to acquire run lock").
			WithContext("lock_path", cfg.LockPath)
		tracing.RecordError(ctx, err)
		return summary, err
	}
	log.WithField("lock_path", cfg.LockPath).Debug("Lock acquired")

	defer func() {
		err = multierr.Combine(err, e.transport.Close(), lock.Release())
		summary.Duration = time.Since(start)
		e.finish(ctx, log, summary, err)
	}()

	var attempted []int64
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			summary.Status = PassAborted
			return summary, apperrors.Wrap(ctxErr, apperrors.ErrCodeCanceled, "queue pass canceled")
		}

		now := cfg.Clock()
		entry, err := queue.Next(ctx, e.store, now, attempted)
		if err != nil {
			summary.Status = PassAborted
			return summary, apperrors.NewDatabaseError("select next message", err)
		}
		if entry == nil {
			break
		}
		attempted = append(attempted, entry.MessageID)

		if err := e.process(ctx, cfg, log, entry, summary); err != nil {
			summary.Status = PassAborted
			return summary, err
		}
	}

	summary.Status = PassCompleted
	return summary, nil
}

// process resolves a single entry. Only store errors are returned.
func (e *Engine) process(ctx context.Context, cfg Config, log *logrus.Entry, entry *models.QueuedMessage, summary *PassSummary) error {
	msg, err := e.store.GetMessage(ctx, entry.MessageID)
	if err != nil {
		return apperrors.NewDatabaseError("get message", err)
	}

	// outcomes are recorded even if the pass is canceled mid-send
	recordCtx := context.WithoutCancel(ctx)

	if msg == nil {
		log.WithField("message_id", entry.MessageID).Warn("Queued message has no message record")
		summary.Failed++
		return e.resolve(recordCtx, cfg, entry, models.ResultFailed, "message record missing")
	}

	fields := logrus.Fields{
		"message_id": msg.ID,
		"to":         e.address(cfg, msg.ToAddress),
		"priority":   entry.Priority.String(),
		"retries":    entry.Retries,
	}

	blacklisted, err := e.blacklist.IsBlacklisted(ctx, msg.ToAddress)
	if err != nil {
		return err
	}
	if blacklisted {
		log.WithFields(fields).Info("Recipient is blacklisted, skipping message")
		summary.Skipped++
		e.metrics.IncrementCounter(metrics.MessagesSkipped, nil, "Messages skipped because the recipient is blacklisted")
		return e.resolve(recordCtx, cfg, entry, models.ResultSkipped, "blacklisted")
	}

	sendErr := e.transport.Send(ctx, msg)
	if sendErr != nil && ctx.Err() != nil {
		// an interrupted send does not count as an attempt
		log.WithFields(fields).WithError(sendErr).Warn("Send interrupted, message left queued")
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "queue pass canceled")
	}
	if errors.Is(sendErr, transport.ErrCircuitOpen) {
		return e.postpone(recordCtx, cfg, log.WithFields(fields), entry, summary, sendErr)
	}

	switch transport.Classify(sendErr) {
	case transport.Success:
		log.WithFields(fields).Info("Message sent")
		summary.Sent++
		e.metrics.IncrementCounter(metrics.MessagesSent, nil, "Messages handed to the transport")
		return e.resolve(recordCtx, cfg, entry, models.ResultSent, "sent")

	case transport.Transient:
		attempts := entry.Retries + 1
		if attempts >= cfg.MaxRetries {
			log.WithFields(fields).WithError(sendErr).Warn("Message failed, retry limit reached")
			summary.Failed++
			e.metrics.IncrementCounter(metrics.MessagesFailed, map[string]string{"reason": "retries_exhausted"}, "Messages that failed permanently")
			return e.resolve(recordCtx, cfg, entry, models.ResultFailed,
				fmt.Sprintf("giving up after %d attempts: %v", attempts, sendErr))
		}

		if err := queue.Defer(recordCtx, e.store, entry, cfg.Clock(), cfg.Policy, sendErr.Error()); err != nil {
			return e.storeError(err)
		}
		log.WithFields(fields).WithError(sendErr).WithField("deferred_until", entry.DeferredUntil).
			Warn("Message deferred after transient failure")
		summary.Deferred++
		e.metrics.IncrementCounter(metrics.MessagesDeferred, nil, "Messages deferred after a transient failure")
		return nil

	default:
		log.WithFields(fields).WithError(sendErr).Error("Message failed permanently")
		summary.Failed++
		e.metrics.IncrementCounter(metrics.MessagesFailed, map[string]string{"reason": "permanent"}, "Messages that failed permanently")
		return e.resolve(recordCtx, cfg, entry, models.ResultFailed, sendErr.Error())
	}
}

// postpone defers an entry the transport refused to try. The retry count is
// kept since the server was never contacted.
func (e *Engine) postpone(ctx context.Context, cfg Config, log *logrus.Entry, entry *models.QueuedMessage, summary *PassSummary, sendErr error) error {
	if err := queue.Postpone(ctx, e.store, entry, cfg.Clock(), cfg.Policy, sendErr.Error()); err != nil {
		return e.storeError(err)
	}
	log.WithField("deferred_until", entry.DeferredUntil).Warn("Transport unavailable, message postponed")
	summary.Deferred++
	e.metrics.IncrementCounter(metrics.MessagesDeferred, map[string]string{"reason": "circuit_open"}, "Messages deferred after a transient failure")
	return nil
}

func (e *Engine) resolve(ctx context.Context, cfg Config, entry *models.QueuedMessage, result models.Result, detail string) error {
	if err := queue.Remove(ctx, e.store, entry, result, cfg.Clock(), detail); err != nil {
		return e.storeError(err)
	}
	return nil
}

func (e *Engine) storeError(err error) error {
	if errors.Is(err, database.ErrNotQueued) {
		// resolved by someone else; nothing left to record
		e.logger.WithError(err).Warn("Queue entry vanished during pass")
		return nil
	}
	return apperrors.NewDatabaseError("record delivery outcome", err)
}

func (e *Engine) address(cfg Config, addr string) string {
	if cfg.LogAddresses {
		return addr
	}
	return privacy.MaskEmail(addr)
}

func (e *Engine) finish(ctx context.Context, log *logrus.Entry, summary *PassSummary, err error) {
	status := map[string]string{"status": string(summary.Status)}
	e.metrics.IncrementCounter(metrics.PassesTotal, status, "Queue passes run")
	e.metrics.RecordTimer(metrics.PassDuration, summary.Duration, nil, "Duration of queue passes")

	fields := logrus.Fields{
		"status":      summary.Status,
		"sent":        summary.Sent,
		"skipped":     summary.Skipped,
		"failed":      summary.Failed,
		"deferred":    summary.Deferred,
		"duration_ms": summary.Duration.Milliseconds(),
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		apperrors.WrapLogger(e.logger).LogError(err, "Queue pass ended with error", log.Data, fields)
		return
	}
	log.WithFields(fields).Info("Queue pass finished")
}
