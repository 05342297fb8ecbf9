package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mailqueue/internal/constants"
	apperrors "mailqueue/internal/errors"
	"mailqueue/internal/models"
	"mailqueue/internal/security"

	"github.com/sirupsen/logrus"
)

const spoolName = "spool"

// SpoolTransport writes each message unchanged to a file under a directory,
// one sub-directory per day. It is meant for development and tests.
type SpoolTransport struct {
	dir    string
	logger *logrus.Logger
}

func NewSpoolTransport(dir string, logger *logrus.Logger) (*SpoolTransport, error) {
	if dir == "" {
		dir = constants.DefaultSpoolDir
	}
	if err := security.ValidateFilePath(dir); err != nil {
		return nil, apperrors.NewConfigError("transport.spool_dir", err.Error())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolTransport{dir: dir, logger: logger}, nil
}

// Dir returns the spool directory.
func (s *SpoolTransport) Dir() string {
	return s.dir
}

func (s *SpoolTransport) Send(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewTransientError(spoolName, err)
	}
	if msg == nil || len(msg.EncodedMessage) == 0 {
		return apperrors.NewPermanentError(spoolName, errors.New("message has no content"))
	}

	name := filepath.Join(msg.CreatedAt.UTC().Format("2006-01-02"),
		fmt.Sprintf("%d_%s.eml", msg.ID, hashRecipient(msg.ToAddress)))
	if err := security.ValidateFilePathWithBase(name, s.dir); err != nil {
		return apperrors.NewPermanentError(spoolName, err)
	}

	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.NewTransientError(spoolName, err)
	}
	if err := os.WriteFile(path, msg.EncodedMessage, 0o600); err != nil {
		return apperrors.NewTransientError(spoolName, err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"file":       path,
	}).Debug("Message spooled")
	return nil
}

func (s *SpoolTransport) Close() error {
	return nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}
