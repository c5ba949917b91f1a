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

const mailboxColumns = `id, context_id, number, name, password, display_name, email,
	greeting_busy, greeting_away, greeting_name`

func scanMailbox(row pgx.Row) (*mailbox.Mailbox, error) {
	mb := &mailbox.Mailbox{}
	err := row.Scan(&mb.ID, &mb.ContextID, &mb.Number, &mb.Name, &mb.Password, &mb.DisplayName, &mb.Email,
		&mb.GreetingBusy, &mb.GreetingAway, &mb.GreetingName)
	return mb, err
}

// GetMailbox finds a mailbox by number within a context.
func (db *Database) GetMailbox(ctx context.Context, contextID int64, number string) (*mailbox.Mailbox, error) {
	mb, err := scanMailbox(db.TimedQueryRow(ctx, "get_mailbox",
		"SELECT "+mailboxColumns+" FROM mailboxes WHERE context_id = $1 AND number = $2",
		contextID, strings.TrimSpace(number)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to get mailbox %q: %w", number, err)
	}
	return mb, nil
}

func (db *Database) GetMailboxByID(ctx context.Context, id int64) (*mailbox.Mailbox, error) {
	mb, err := scanMailbox(db.TimedQueryRow(ctx, "get_mailbox_by_id",
		"SELECT "+mailboxColumns+" FROM mailboxes WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to get mailbox %d: %w", id, err)
	}
	return mb, nil
}

func (db *Database) ListMailboxes(ctx context.Context, contextID int64) ([]*mailbox.Mailbox, error) {
	rows, err := db.TimedQuery(ctx, "list_mailboxes",
		"SELECT "+mailboxColumns+" FROM mailboxes WHERE context_id = $1 ORDER BY number", contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*mailbox.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

// CreateMailbox inserts mb. mb.Password holds the plain PIN and is replaced
// by its hash. When mb.Name is empty it defaults to "<number>@<domain>".
func (db *Database) CreateMailbox(ctx context.Context, mb *mailbox.Mailbox) error {
	mb.Number = strings.TrimSpace(mb.Number)
	if mb.Number == "" {
		return errors.New("mailbox number cannot be empty")
	}
	if mb.Password == "" {
		return errors.New("password cannot be empty")
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if mb.Name == "" {
		var domain string
		err := tx.QueryRow(ctx, "SELECT domain FROM contexts WHERE id = $1", mb.ContextID).Scan(&domain)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return consts.ErrContextNotFound
			}
			return fmt.Errorf("failed to resolve context: %w", err)
		}
		mb.Name = mb.Number + "@" + domain
	}

	hash, err := GenerateBcryptHash(mb.Password)
	if err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO mailboxes (context_id, number, name, password, display_name, email,
			greeting_busy, greeting_away, greeting_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		mb.ContextID, mb.Number, mb.Name, hash, mb.DisplayName, mb.Email,
		mb.GreetingBusy, mb.GreetingAway, mb.GreetingName).Scan(&mb.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mailbox %q: %w", mb.Number, consts.ErrDBUniqueViolation)
		}
		return fmt.Errorf("failed to create mailbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
	}
	mb.Password = hash
	return nil
}

// UpdateMailbox rewrites the descriptive fields of mb. The password is
// changed through SetMailboxPassword only.
func (db *Database) UpdateMailbox(ctx context.Context, mb *mailbox.Mailbox) error {
	tag, err := db.TimedExec(ctx, "update_mailbox", `
		UPDATE mailboxes SET name = $2, display_name = $3, email = $4,
			greeting_busy = $5, greeting_away = $6, greeting_name = $7, updated_at = now()
		WHERE id = $1`,
		mb.ID, mb.Name, mb.DisplayName, mb.Email, mb.GreetingBusy, mb.GreetingAway, mb.GreetingName)
	if err != nil {
		return fmt.Errorf("failed to update mailbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox removes a mailbox and returns the recordings of its
// messages so the caller can delete the stored audio.
func (db *Database) DeleteMailbox(ctx context.Context, id int64) ([]string, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, "SELECT recording FROM messages WHERE mailbox_id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	recordings, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM mailboxes WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete mailbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, consts.ErrMailboxNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
	}
	return recordings, nil
}
