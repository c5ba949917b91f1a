package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
)

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// GetContext finds a context by domain.
func (db *Database) GetContext(ctx context.Context, domain string) (*mailbox.Context, error) {
	c := &mailbox.Context{}
	err := db.TimedQueryRow(ctx, "get_context",
		"SELECT id, domain FROM contexts WHERE domain = $1", normalizeDomain(domain)).Scan(&c.ID, &c.Domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrContextNotFound
		}
		return nil, fmt.Errorf("failed to get context %q: %w", domain, err)
	}
	return c, nil
}

// CreateContext inserts a context; an existing domain yields consts.ErrDBUniqueViolation.
func (db *Database) CreateContext(ctx context.Context, domain string) (*mailbox.Context, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return nil, errors.New("domain cannot be empty")
	}
	c := &mailbox.Context{Domain: domain}
	err := db.TimedWriteRow(ctx, "create_context",
		"INSERT INTO contexts (domain) VALUES ($1) RETURNING id", domain).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("context %q: %w", domain, consts.ErrDBUniqueViolation)
		}
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	return c, nil
}

// EnsureContext returns the context for domain, creating it when missing.
func (db *Database) EnsureContext(ctx context.Context, domain string) (*mailbox.Context, error) {
	domain = normalizeDomain(domain)
	c := &mailbox.Context{Domain: domain}
	// The no-op update makes RETURNING report the existing row.
	err := db.TimedWriteRow(ctx, "ensure_context", `
		INSERT INTO contexts (domain) VALUES ($1)
		ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
		RETURNING id`, domain).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure context: %w", err)
	}
	return c, nil
}

func (db *Database) ListContexts(ctx context.Context) ([]*mailbox.Context, error) {
	rows, err := db.TimedQuery(ctx, "list_contexts", "SELECT id, domain FROM contexts ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var out []*mailbox.Context
	for rows.Next() {
		c := &mailbox.Context{}
		if err := rows.Scan(&c.ID, &c.Domain); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContext removes a context together with its mailboxes and messages.
func (db *Database) DeleteContext(ctx context.Context, domain string) error {
	tag, err := db.TimedExec(ctx, "delete_context", "DELETE FROM contexts WHERE domain = $1", normalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrContextNotFound
	}
	return nil
}
