// Package transport delivers encoded messages and classifies delivery errors
// into transient and permanent failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "mailqueue/internal/errors"
	"mailqueue/internal/models"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// Transport hands a message to the next hop. Implementations may keep a
// connection open between calls; Close releases it.
type Transport interface {
	Send(ctx context.Context, msg *models.Message) error
	Close() error
}

// Outcome is the classification of a Send result.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a Send error to an Outcome. Errors tagged with a transport
// error code are trusted; SMTP replies are classified by their class digit
// (5xx permanent, 4xx transient). Anything else, network errors included, is
// treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}

	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.ErrCodeTransportPermanent:
			return Permanent
		case apperrors.ErrCodeTransportTransient:
			return Transient
		}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code/100 == 5 {
		return Permanent
	}

	return Transient
}

// New builds the transport selected by cfg.Kind. SMTP delivery is wrapped
// in a circuit breaker unless cfg.BreakerFailures is negative.
func New(cfg models.TransportConfig, logger *logrus.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "smtp":
		if cfg.SMTP.Host == "" {
			return nil, apperrors.NewConfigError("transport.smtp.host", "SMTP host is required")
		}
		var tr Transport = NewSMTPTransport(cfg.SMTP, logger)
		if cfg.BreakerFailures >= 0 {
			tr = NewBreakerTransport(tr, cfg.BreakerFailures, time.Duration(cfg.BreakerTimeoutSec)*time.Second, logger)
		}
		return tr, nil
	case "spool":
		return NewSpoolTransport(cfg.SpoolDir, logger)
	default:
		return nil, apperrors.NewConfigError("transport.kind", fmt.Sprintf("unknown transport kind %q", cfg.Kind))
	}
}
