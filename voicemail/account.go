package voicemail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/mailbox"
)

// AuthLimiter refuses password checks for mailboxes that failed too often.
type AuthLimiter interface {
	CanAttempt(key string) error
	Record(key string, success bool)
}

// AccountHandler looks up contexts and mailboxes and checks passwords.
type AccountHandler struct {
	store   AccountStore
	limiter AuthLimiter
}

// NewAccountHandler creates the handler. limiter may be nil.
func NewAccountHandler(store AccountStore, limiter AuthLimiter) *AccountHandler {
	return &AccountHandler{store: store, limiter: limiter}
}

// GetContext returns the context of domain.
func (a *AccountHandler) GetContext(ctx context.Context, domain string) (*mailbox.Context, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		domain = consts.DefaultDomain
	}
	c, err := a.store.GetContext(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("context %q: %w", domain, err)
	}
	return c, nil
}

// GetMailbox returns the mailbox number of c, or nil when it does not exist.
func (a *AccountHandler) GetMailbox(ctx context.Context, c *mailbox.Context, number string) (*mailbox.Mailbox, error) {
	number = strings.TrimSpace(number)
	if number == "" || c == nil {
		return nil, nil
	}
	mb, err := a.store.GetMailbox(ctx, c.ID, number)
	if errors.Is(err, consts.ErrMailboxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox %s@%s: %w", number, c.Domain, err)
	}
	return mb, nil
}

// Authorize reports whether password opens mb. A wrong password is not an
// error.
func (a *AccountHandler) Authorize(ctx context.Context, mb *mailbox.Mailbox, password string) (bool, error) {
	if mb == nil {
		return false, consts.ErrMailboxUnresolved
	}
	if password == "" {
		return false, nil
	}
	key := "mailbox:" + strconv.FormatInt(mb.ID, 10)
	if a.limiter != nil {
		// A blocked mailbox answers like a wrong password.
		if err := a.limiter.CanAttempt(key); err != nil {
			logger.Warn("Password check refused", "mailbox", mb.Number, "error", err)
			return false, nil
		}
	}
	err := a.store.AuthenticateMailbox(ctx, mb.ID, password)
	switch {
	case err == nil:
		a.record(key, true)
		return true, nil
	case errors.Is(err, consts.ErrInvalidPassword):
		a.record(key, false)
		return false, nil
	default:
		return false, fmt.Errorf("authenticate mailbox %d: %w", mb.ID, err)
	}
}

func (a *AccountHandler) record(key string, success bool) {
	if a.limiter != nil {
		a.limiter.Record(key, success)
	}
}
