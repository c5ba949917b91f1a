package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/logger"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "seed":
		handleSeed(ctx)
	case "context":
		handleContextCommand(ctx)
	case "mailbox":
		handleMailboxCommand(ctx)
	case "config":
		handleConfigCommand(ctx)
	case "messages":
		handleMessagesCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("vmail-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`vmail Admin Tool

Usage:
  vmail-admin <command> [subcommand] [options]

Commands:
  migrate   Manage the database schema (up, down, version, force)
  seed      Create a context and the configured folders
  context   Manage voicemail contexts (list, create, delete)
  mailbox   Manage mailboxes (list, show, create, set-password, delete)
  config    Manage layered settings (show, set, unset)
  messages  List the messages of a mailbox
  version   Show version information
  help      Show this help message

Examples:
  vmail-admin migrate up --config /etc/vmail/config.toml
  vmail-admin seed --domain example.com
  vmail-admin mailbox create --domain example.com --number 1000 --password 1234 --email alice@example.com
  vmail-admin config set --domain example.com --number 1000 --key maxsilence --value 5
  vmail-admin messages --domain example.com --number 1000

Use 'vmail-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads configPath over the defaults. A missing default
// config.toml is not an error.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warnf("configuration file '%s' not found. Using defaults.", configPath)
		} else {
			logger.Fatalf("Failed to load configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

// openDatabase connects without running migrations.
func openDatabase(ctx context.Context, cfg config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database, false)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

// subcommand returns os.Args[2] for grouped commands, or "" when absent or
// a flag.
func subcommand() string {
	if len(os.Args) < 3 || len(os.Args[2]) > 0 && os.Args[2][0] == '-' {
		return ""
	}
	return os.Args[2]
}
