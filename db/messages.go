package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
)

const messageColumns = `id, mailbox_id, folder_id, date, read, caller_id, duration, recording,
	COALESCE(original_mailbox_id, 0), COALESCE(content_hash, ''), archived_at`

// Listing order matches mailbox.MessageList: unread first, newest first.
const messageOrder = " ORDER BY read ASC, date DESC, id DESC"

func scanMessage(row pgx.Row) (*mailbox.Message, error) {
	msg := &mailbox.Message{}
	var seconds int64
	err := row.Scan(&msg.ID, &msg.MailboxID, &msg.FolderID, &msg.Date, &msg.Read, &msg.CallerID, &seconds,
		&msg.Recording, &msg.OriginalMailboxID, &msg.ContentHash, &msg.ArchivedAt)
	if err != nil {
		return nil, err
	}
	msg.Duration = time.Duration(seconds) * time.Second
	msg.Date = msg.Date.UTC()
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]*mailbox.Message, error) {
	defer rows.Close()
	var out []*mailbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// SaveMessage inserts an unsaved message and assigns its id, or updates the
// mutable fields of a stored one.
func (db *Database) SaveMessage(ctx context.Context, msg *mailbox.Message) error {
	seconds := int64(msg.Duration.Round(time.Second) / time.Second)

	if !msg.Persisted() {
		err := db.TimedWriteRow(ctx, "insert_message", `
			INSERT INTO messages (mailbox_id, folder_id, date, read, caller_id, duration, recording, original_mailbox_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			msg.MailboxID, msg.FolderID, msg.Date, msg.Read, msg.CallerID, seconds, msg.Recording,
			nullableID(msg.OriginalMailboxID)).Scan(&msg.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("recording %q: %w", msg.Recording, consts.ErrDBUniqueViolation)
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	}

	tag, err := db.TimedExec(ctx, "update_message", `
		UPDATE messages SET folder_id = $2, read = $3, caller_id = $4, duration = $5
		WHERE id = $1`,
		msg.ID, msg.FolderID, msg.Read, msg.CallerID, seconds)
	if err != nil {
		return fmt.Errorf("failed to update message %d: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// DeleteMessage removes a stored message. Deleting an already deleted
// message is not an error.
func (db *Database) DeleteMessage(ctx context.Context, msg *mailbox.Message) error {
	if !msg.Persisted() {
		return consts.ErrMessageNotSaved
	}
	if _, err := db.TimedExec(ctx, "delete_message", "DELETE FROM messages WHERE id = $1", msg.ID); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", msg.ID, err)
	}
	return nil
}

func (db *Database) GetMessage(ctx context.Context, id int64) (*mailbox.Message, error) {
	msg, err := scanMessage(db.TimedQueryRow(ctx, "get_message",
		"SELECT "+messageColumns+" FROM messages WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return msg, nil
}

// GetMessages returns every message of a mailbox folder in listing order.
func (db *Database) GetMessages(ctx context.Context, mailboxID, folderID int64) ([]*mailbox.Message, error) {
	rows, err := db.TimedQuery(ctx, "get_messages",
		"SELECT "+messageColumns+" FROM messages WHERE mailbox_id = $1 AND folder_id = $2"+messageOrder,
		mailboxID, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return collectMessages(rows)
}

// GetLatestMessages returns the messages of a folder dated strictly after since.
func (db *Database) GetLatestMessages(ctx context.Context, mailboxID, folderID int64, since time.Time) ([]*mailbox.Message, error) {
	rows, err := db.TimedQuery(ctx, "get_latest_messages",
		"SELECT "+messageColumns+" FROM messages WHERE mailbox_id = $1 AND folder_id = $2 AND date > $3"+messageOrder,
		mailboxID, folderID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest messages: %w", err)
	}
	return collectMessages(rows)
}

// CountMessages counts unread and read messages in a folder.
func (db *Database) CountMessages(ctx context.Context, mailboxID, folderID int64) (unread, read int, err error) {
	err = db.TimedQueryRow(ctx, "count_messages", `
		SELECT COUNT(*) FILTER (WHERE NOT read), COUNT(*) FILTER (WHERE read)
		FROM messages WHERE mailbox_id = $1 AND folder_id = $2`,
		mailboxID, folderID).Scan(&unread, &read)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return unread, read, nil
}

// ArchiveCandidate is a stored message whose recording has not been archived.
type ArchiveCandidate struct {
	Message  *mailbox.Message
	Domain   string
	Number   string
	Attempts int
}

// ListUnarchivedMessages returns up to limit messages awaiting archival
// with fewer than maxAttempts failed attempts, oldest first.
func (db *Database) ListUnarchivedMessages(ctx context.Context, limit, maxAttempts int) ([]ArchiveCandidate, error) {
	rows, err := db.TimedQuery(ctx, "list_unarchived_messages", `
		SELECT m.id, m.mailbox_id, m.folder_id, m.date, m.read, m.caller_id, m.duration, m.recording,
			COALESCE(m.original_mailbox_id, 0), COALESCE(m.content_hash, ''), m.archived_at,
			c.domain, mb.number, m.archive_attempts
		FROM messages m
		JOIN mailboxes mb ON mb.id = m.mailbox_id
		JOIN contexts c ON c.id = mb.context_id
		WHERE m.archived_at IS NULL AND m.archive_attempts < $2
		ORDER BY m.id
		LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list unarchived messages: %w", err)
	}
	defer rows.Close()

	var out []ArchiveCandidate
	for rows.Next() {
		msg := &mailbox.Message{}
		var c ArchiveCandidate
		var seconds int64
		if err := rows.Scan(&msg.ID, &msg.MailboxID, &msg.FolderID, &msg.Date, &msg.Read, &msg.CallerID, &seconds,
			&msg.Recording, &msg.OriginalMailboxID, &msg.ContentHash, &msg.ArchivedAt,
			&c.Domain, &c.Number, &c.Attempts); err != nil {
			return nil, err
		}
		msg.Duration = time.Duration(seconds) * time.Second
		c.Message = msg
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkArchived records the content hash of an archived recording.
func (db *Database) MarkArchived(ctx context.Context, id int64, hash string) error {
	tag, err := db.TimedExec(ctx, "mark_archived",
		"UPDATE messages SET content_hash = $2, archived_at = now() WHERE id = $1", id, hash)
	if err != nil {
		return fmt.Errorf("failed to mark message %d archived: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// RecordArchiveFailure counts a failed archival attempt.
func (db *Database) RecordArchiveFailure(ctx context.Context, id int64) error {
	_, err := db.TimedExec(ctx, "record_archive_failure",
		"UPDATE messages SET archive_attempts = archive_attempts + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to record archive failure for message %d: %w", id, err)
	}
	return nil
}

// FindExistingContentHashes returns the subset of hashes still referenced
// by a message.
func (db *Database) FindExistingContentHashes(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	rows, err := db.TimedQuery(ctx, "find_existing_content_hashes",
		"SELECT DISTINCT content_hash FROM messages WHERE content_hash = ANY($1)", hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to check content hashes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
