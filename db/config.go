package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
)

// Config overrides live in two tables keyed by owner; the scope selects which.
type configScope struct {
	table  string
	column string
}

var (
	contextScope = configScope{table: "context_config", column: "context_id"}
	mailboxScope = configScope{table: "mailbox_config", column: "mailbox_id"}
)

func (db *Database) getConfig(ctx context.Context, scope configScope, ownerID int64) ([]mailbox.ConfigEntry, error) {
	rows, err := db.TimedQuery(ctx, "get_"+scope.table,
		"SELECT key, value FROM "+scope.table+" WHERE "+scope.column+" = $1 ORDER BY key", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", scope.table, err)
	}
	defer rows.Close()

	var out []mailbox.ConfigEntry
	for rows.Next() {
		var e mailbox.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *Database) setConfig(ctx context.Context, scope configScope, ownerID int64, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("config key cannot be empty")
	}
	_, err := db.TimedExec(ctx, "set_"+scope.table,
		"INSERT INTO "+scope.table+" ("+scope.column+", key, value) VALUES ($1, $2, $3) "+
			"ON CONFLICT ("+scope.column+", key) DO UPDATE SET value = EXCLUDED.value",
		ownerID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", scope.table, err)
	}
	return nil
}

func (db *Database) deleteConfig(ctx context.Context, scope configScope, ownerID int64, key string) error {
	tag, err := db.TimedExec(ctx, "delete_"+scope.table,
		"DELETE FROM "+scope.table+" WHERE "+scope.column+" = $1 AND key = $2",
		ownerID, strings.ToLower(strings.TrimSpace(key)))
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", scope.table, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

func (db *Database) GetContextConfig(ctx context.Context, contextID int64) ([]mailbox.ConfigEntry, error) {
	return db.getConfig(ctx, contextScope, contextID)
}

func (db *Database) GetMailboxConfig(ctx context.Context, mailboxID int64) ([]mailbox.ConfigEntry, error) {
	return db.getConfig(ctx, mailboxScope, mailboxID)
}

func (db *Database) SetContextConfig(ctx context.Context, contextID int64, key, value string) error {
	return db.setConfig(ctx, contextScope, contextID, key, value)
}

func (db *Database) SetMailboxConfig(ctx context.Context, mailboxID int64, key, value string) error {
	return db.setConfig(ctx, mailboxScope, mailboxID, key, value)
}

func (db *Database) DeleteContextConfig(ctx context.Context, contextID int64, key string) error {
	return db.deleteConfig(ctx, contextScope, contextID, key)
}

func (db *Database) DeleteMailboxConfig(ctx context.Context, mailboxID int64, key string) error {
	return db.deleteConfig(ctx, mailboxScope, mailboxID, key)
}

// ResolveConfig layers defaults, the context overrides and the mailbox
// overrides of mb.
func (db *Database) ResolveConfig(ctx context.Context, defaults map[string]string, mb *mailbox.Mailbox) (*mailbox.Config, error) {
	contextEntries, err := db.GetContextConfig(ctx, mb.ContextID)
	if err != nil {
		return nil, err
	}
	mailboxEntries, err := db.GetMailboxConfig(ctx, mb.ID)
	if err != nil {
		return nil, err
	}
	return mailbox.ResolveConfig(defaults, mailbox.EntriesToMap(contextEntries), mailbox.EntriesToMap(mailboxEntries)), nil
}
