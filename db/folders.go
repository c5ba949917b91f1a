package db

import (
	"context"
	"fmt"

	"github.com/migadu/vmail/mailbox"
)

// GetFolders returns all folders ordered by selector.
func (db *Database) GetFolders(ctx context.Context) ([]*mailbox.Folder, error) {
	rows, err := db.TimedQuery(ctx, "get_folders", "SELECT id, name, recording, dtmf FROM folders ORDER BY dtmf")
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	defer rows.Close()

	var out []*mailbox.Folder
	for rows.Next() {
		f := &mailbox.Folder{}
		if err := rows.Scan(&f.ID, &f.Name, &f.Recording, &f.DTMF); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveFolder inserts f or, when its selector is taken, renames that folder.
// f.ID is set to the stored row.
func (db *Database) SaveFolder(ctx context.Context, f *mailbox.Folder) error {
	if !validSelector(f.DTMF) {
		return fmt.Errorf("invalid folder selector %q", f.DTMF)
	}
	err := db.TimedWriteRow(ctx, "save_folder", `
		INSERT INTO folders (name, recording, dtmf) VALUES ($1, $2, $3)
		ON CONFLICT (dtmf) DO UPDATE SET name = EXCLUDED.name, recording = EXCLUDED.recording
		RETURNING id`, f.Name, f.Recording, f.DTMF).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to save folder %q: %w", f.Name, err)
	}
	return nil
}

// EnsureFolders saves each folder in a single transaction.
func (db *Database) EnsureFolders(ctx context.Context, folders []*mailbox.Folder) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, f := range folders {
		if !validSelector(f.DTMF) {
			return fmt.Errorf("invalid folder selector %q", f.DTMF)
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO folders (name, recording, dtmf) VALUES ($1, $2, $3)
			ON CONFLICT (dtmf) DO UPDATE SET name = EXCLUDED.name, recording = EXCLUDED.recording
			RETURNING id`, f.Name, f.Recording, f.DTMF).Scan(&f.ID)
		if err != nil {
			return fmt.Errorf("failed to save folder %q: %w", f.Name, err)
		}
	}
	return tx.Commit(ctx)
}

func validSelector(dtmf string) bool {
	return len(dtmf) == 1 && dtmf[0] >= '0' && dtmf[0] <= '9'
}
