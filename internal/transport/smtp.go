package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"mailqueue/internal/constants"
	apperrors "mailqueue/internal/errors"
	"mailqueue/internal/models"
	"mailqueue/internal/privacy"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

const smtpName = "smtp"

// SMTPTransport relays messages to a single SMTP server. The connection is
// opened on first use and reused for following messages until Close.
type SMTPTransport struct {
	cfg       models.SMTPConfig
	logger    *logrus.Logger
	dialer    *net.Dialer
	tlsConfig *tls.Config

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

func NewSMTPTransport(cfg models.SMTPConfig, logger *logrus.Logger) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultSMTPPort
	}
	if cfg.HeloName == "" {
		cfg.HeloName = constants.DefaultHeloName
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = constants.DefaultSMTPTimeoutSec
	}

	return &SMTPTransport{
		cfg:    cfg,
		logger: logger,
		dialer: &net.Dialer{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		tlsConfig: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
	}
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Send delivers msg with MAIL FROM / RCPT TO / DATA. Failures are returned as
// transient or permanent AppErrors.
func (t *SMTPTransport) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil || len(msg.EncodedMessage) == 0 {
		return apperrors.NewPermanentError(smtpName, errors.New("message has no content"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	client, err := t.connect(ctx)
	if err != nil {
		return t.classify(err)
	}

	deadline := time.Now().Add(time.Duration(t.cfg.TimeoutSec) * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.drop()
		return apperrors.NewTransientError(smtpName, fmt.Errorf("set deadline: %w", err))
	}

	if err := t.deliver(client, msg); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			// the session is still usable after a rejected command
			if resetErr := client.Reset(); resetErr != nil {
				t.drop()
			}
		} else {
			t.drop()
		}
		return t.classify(err)
	}

	t.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"to":         privacy.MaskEmail(msg.ToAddress),
		"server":     t.addr(),
	}).Debug("Message relayed")
	return nil
}

func (t *SMTPTransport) deliver(client *smtp.Client, msg *models.Message) error {
	if err := client.Mail(msg.FromAddress, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.ToAddress, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(msg.EncodedMessage); err != nil {
		_ = w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

// connect returns the open client, dialing if there is none. A reused
// connection is checked with RSET first.
func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	if t.client != nil {
		if err := t.client.Reset(); err == nil {
			return t.client, nil
		}
		t.drop()
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(time.Duration(t.cfg.TimeoutSec) * time.Second)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := t.handshake(conn)
	if err != nil {
		return nil, err
	}

	t.conn = conn
	t.client = client
	t.logger.WithField("server", t.addr()).Debug("SMTP connection established")
	return client, nil
}

// handshake greets the server, upgrades to TLS when configured and
// authenticates. Its failures concern the connection, not the message, so
// they are all transient.
func (t *SMTPTransport) handshake(conn net.Conn) (*smtp.Client, error) {
	var client *smtp.Client
	if t.cfg.StartTLS {
		c, err := smtp.NewClientStartTLS(conn, t.tlsConfig.Clone())
		if err != nil {
			_ = conn.Close()
			return nil, apperrors.NewTransientError(smtpName, fmt.Errorf("starttls: %w", err))
		}
		client = c
	} else {
		client = smtp.NewClient(conn)
	}

	// after STARTTLS the session starts over and EHLO is sent again
	if err := client.Hello(t.cfg.HeloName); err != nil {
		_ = client.Close()
		return nil, apperrors.NewTransientError(smtpName, fmt.Errorf("helo: %w", err))
	}

	if t.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			_ = client.Close()
			return nil, apperrors.NewTransientError(smtpName, errors.New("server does not support AUTH"))
		}
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, apperrors.NewTransientError(smtpName, fmt.Errorf("auth: %w", err))
		}
	}

	return client, nil
}

func (t *SMTPTransport) classify(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if Classify(err) == Permanent {
		return apperrors.NewPermanentError(smtpName, err)
	}
	return apperrors.NewTransientError(smtpName, err)
}

// drop closes the connection without QUIT.
func (t *SMTPTransport) drop() {
	if t.client != nil {
		_ = t.client.Close()
	}
	t.client = nil
	t.conn = nil
}

// Close ends the SMTP session politely if one is open.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Quit()
	t.drop()
	if err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}
