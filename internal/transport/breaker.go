package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailqueue/internal/constants"
	apperrors "mailqueue/internal/errors"
	"mailqueue/internal/models"

	"github.com/sirupsen/logrus"
)

// BreakerState is the state of a BreakerTransport.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCircuitOpen is returned by Send while the breaker rejects deliveries.
var ErrCircuitOpen = apperrors.NewTransientError("breaker", fmt.Errorf("circuit breaker is open"))

// BreakerTransport stops calling the next hop after maxFailures consecutive
// transient failures and fails fast with ErrCircuitOpen until timeout has
// passed. Permanent failures are per-message and do not trip the breaker.
type BreakerTransport struct {
	next             Transport
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
	now              func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	halfOpenCalls   int
	lastFailureTime time.Time

	logger *apperrors.Logger
}

// NewBreakerTransport wraps next with a circuit breaker.
func NewBreakerTransport(next Transport, maxFailures int, timeout time.Duration, logger *logrus.Logger) *BreakerTransport {
	if maxFailures < 1 {
		maxFailures = constants.CBMaxFailures
	}
	if timeout <= 0 {
		timeout = constants.CBTimeoutSec * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BreakerTransport{
		next:             next,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: constants.CBHalfOpenMaxCalls,
		now:              time.Now,
		state:            StateClosed,
		logger:           apperrors.WrapLogger(logger),
	}
}

func (b *BreakerTransport) Send(ctx context.Context, msg *models.Message) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := b.next.Send(ctx, msg)
	if Classify(err) == Transient {
		b.recordFailure(err)
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *BreakerTransport) Close() error {
	return b.next.Close()
}

// State returns the current breaker state.
func (b *BreakerTransport) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerTransport) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) > b.timeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
			b.logger.Info("Circuit breaker transitioning to half-open")
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return false
	}
}

func (b *BreakerTransport) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.state = StateOpen
			b.logger.LogWarn(err, "Circuit breaker opened due to failures", logrus.Fields{
				"failures":     b.failures,
				"max_failures": b.maxFailures,
			})
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.LogWarn(err, "Circuit breaker reopened from half-open state")
	}
}

func (b *BreakerTransport) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("Circuit breaker closed after successful half-open delivery")
	}
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
}
