package blacklist

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mailqueue/internal/errors"
	"mailqueue/internal/models"
	"mailqueue/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Store is the blacklist persistence. *database.Database implements it.
type Store interface {
	AddBlacklist(ctx context.Context, email string, addedAt time.Time) (bool, error)
	IsBlacklisted(ctx context.Context, email string) (bool, error)
	RemoveBlacklist(ctx context.Context, email string) (bool, error)
	ListBlacklist(ctx context.Context) ([]models.BlacklistEntry, error)
}

// Normalize returns the canonical form used for storage and lookup: the bare
// address without display name or angle brackets, with the domain lower-cased.
// The local part keeps its case. Input that cannot be parsed as an address is
// only trimmed.
func Normalize(address string) string {
	addr := strings.TrimSpace(address)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at] + strings.ToLower(addr[at:])
}

// Checker answers blacklist lookups for the queue engine. Lookups always go to
// the store so an address added while a pass runs takes effect for the next
// message.
type Checker struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

func NewChecker(store Store, logger *logrus.Logger) *Checker {
	return &Checker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsBlacklisted reports whether the recipient address is suppressed.
func (c *Checker) IsBlacklisted(ctx context.Context, address string) (bool, error) {
	email := Normalize(address)
	if email == "" {
		return false, nil
	}
	found, err := c.store.IsBlacklisted(ctx, email)
	if err != nil {
		return false, errors.NewDatabaseError("blacklist lookup", err)
	}
	return found, nil
}

// Add suppresses delivery to address. It reports false if it was already listed.
func (c *Checker) Add(ctx context.Context, address string) (bool, error) {
	email := Normalize(address)
	if !strings.Contains(email, "@") {
		return false, errors.NewInputError("email", address, "not an email address")
	}

	added, err := c.store.AddBlacklist(ctx, email, c.now())
	if err != nil {
		return false, errors.NewDatabaseError("blacklist add", err)
	}

	c.logger.WithFields(logrus.Fields{
		"email": privacy.MaskEmail(email),
		"added": added,
	}).Info("Blacklist entry added")
	return added, nil
}

// Remove lifts the suppression. It reports false if address was not listed.
func (c *Checker) Remove(ctx context.Context, address string) (bool, error) {
	email := Normalize(address)
	if email == "" {
		return false, errors.NewInputError("email", address, "email cannot be empty")
	}

	removed, err := c.store.RemoveBlacklist(ctx, email)
	if err != nil {
		return false, errors.NewDatabaseError("blacklist remove", err)
	}
	if removed {
		c.logger.WithField("email", privacy.MaskEmail(email)).Info("Blacklist entry removed")
	}
	return removed, nil
}

// List returns all entries, newest first.
func (c *Checker) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	entries, err := c.store.ListBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	return entries, nil
}
