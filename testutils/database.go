package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/mailbox"
)

// TestDatabase wraps a migrated test database.
type TestDatabase struct {
	*db.Database
	Config *config.Config
}

// SetupTestDatabase connects to the database described by config-test.toml,
// applies migrations and empties every table. The test is skipped in short
// mode or when no config-test.toml is found.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg), "Failed to load test config. Please check config-test.toml syntax")

	ctx := context.Background()
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database, true)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running")

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(td.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	_, err := td.GetWritePool().Exec(context.Background(),
		"TRUNCATE TABLE mailbox_config, context_config, messages, folders, mailboxes, contexts RESTART IDENTITY CASCADE")
	require.NoError(t, err)
}

// Fixture is a seeded context with one mailbox and the default folders.
type Fixture struct {
	Context *mailbox.Context
	Mailbox *mailbox.Mailbox
	Folders *mailbox.Folders
}

// Seed creates domain, mailbox number with PIN password, and the default
// folder layout.
func (td *TestDatabase) Seed(t *testing.T, domain, number, password string) *Fixture {
	t.Helper()
	ctx := context.Background()

	c, err := td.EnsureContext(ctx, domain)
	require.NoError(t, err)

	mb := &mailbox.Mailbox{ContextID: c.ID, Number: number, Password: password, Email: number + "@" + domain}
	require.NoError(t, td.CreateMailbox(ctx, mb))

	folders := make([]*mailbox.Folder, 0, len(consts.DefaultFolders))
	for _, f := range consts.DefaultFolders {
		folders = append(folders, &mailbox.Folder{Name: f.Name, Recording: f.Recording, DTMF: f.DTMF})
	}
	require.NoError(t, td.EnsureFolders(ctx, folders))

	return &Fixture{Context: c, Mailbox: mb, Folders: mailbox.NewFolders(folders)}
}
