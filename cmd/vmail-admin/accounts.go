package main

// accounts.go - contexts, mailboxes, folders and layered settings

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/mailbox"
)

func handleSeed(ctx context.Context) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Context to create (default: voicemail.default_domain)")
	fs.Usage = func() {
		fmt.Println("Usage: vmail-admin seed [--config config.toml] [--domain example.com]")
		fmt.Println("Creates the context and the folders listed under [[voicemail.folders]]. Safe to rerun.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if *domain == "" {
		*domain = cfg.Voicemail.GetDefaultDomain()
	}
	vmctx, err := database.EnsureContext(ctx, *domain)
	if err != nil {
		logger.Fatalf("Failed to create context %s: %v", *domain, err)
	}

	folders := make([]*mailbox.Folder, 0, len(cfg.Voicemail.Folders))
	for _, f := range cfg.Voicemail.Folders {
		folders = append(folders, &mailbox.Folder{Name: f.Name, Recording: f.Recording, DTMF: f.DTMF})
	}
	if err := database.EnsureFolders(ctx, folders); err != nil {
		logger.Fatalf("Failed to create folders: %v", err)
	}
	fmt.Printf("Context %s (id %d) ready with %d folders\n", vmctx.Domain, vmctx.ID, len(folders))
}

func handleContextCommand(ctx context.Context) {
	switch subcommand() {
	case "list":
		handleContextList(ctx)
	case "create":
		handleContextCreate(ctx)
	case "delete":
		handleContextDelete(ctx)
	case "", "help", "--help", "-h":
		fmt.Println("Usage: vmail-admin context <list|create|delete> [--config config.toml] [--domain example.com]")
	default:
		fmt.Printf("Unknown context subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func handleContextList(ctx context.Context) {
	fs := flag.NewFlagSet("context list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	database := openDatabase(ctx, loadConfig(*configPath))
	defer database.Close()

	contexts, err := database.ListContexts(ctx)
	if err != nil {
		logger.Fatalf("Failed to list contexts: %v", err)
	}
	fmt.Printf("%-6s %s\n", "ID", "DOMAIN")
	for _, c := range contexts {
		fmt.Printf("%-6d %s\n", c.ID, c.Domain)
	}
}

func handleContextCreate(ctx context.Context) {
	fs := flag.NewFlagSet("context create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Context domain (required)")
	fs.Parse(os.Args[3:])
	requireFlag(fs, "domain", *domain)

	database := openDatabase(ctx, loadConfig(*configPath))
	defer database.Close()

	vmctx, err := database.CreateContext(ctx, *domain)
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		logger.Fatalf("Context %s already exists", *domain)
	}
	if err != nil {
		logger.Fatalf("Failed to create context: %v", err)
	}
	fmt.Printf("Created context %s (id %d)\n", vmctx.Domain, vmctx.ID)
}

func handleContextDelete(ctx context.Context) {
	fs := flag.NewFlagSet("context delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Context domain (required)")
	fs.Parse(os.Args[3:])
	requireFlag(fs, "domain", *domain)

	database := openDatabase(ctx, loadConfig(*configPath))
	defer database.Close()

	if err := database.DeleteContext(ctx, *domain); err != nil {
		logger.Fatalf("Failed to delete context %s: %v", *domain, err)
	}
	fmt.Printf("Deleted context %s\n", *domain)
}

func handleMailboxCommand(ctx context.Context) {
	switch subcommand() {
	case "list":
		handleMailboxList(ctx)
	case "show":
		handleMailboxShow(ctx)
	case "create":
		handleMailboxCreate(ctx)
	case "set-password":
		handleMailboxSetPassword(ctx)
	case "delete":
		handleMailboxDelete(ctx)
	case "", "help", "--help", "-h":
		fmt.Println(`Usage: vmail-admin mailbox <subcommand> [options]

Subcommands:
  list          --domain D
  show          --domain D --number N
  create        --domain D --number N --password PIN [--email E] [--display-name NAME] [--name SIP/1000]
  set-password  --domain D --number N --password PIN
  delete        --domain D --number N

Deleting a mailbox removes its messages from the database only. Use the
HTTP API to also remove the recordings from Asterisk and S3.`)
	default:
		fmt.Printf("Unknown mailbox subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// mailboxFlags are the flags every mailbox subcommand shares.
type mailboxFlags struct {
	fs         *flag.FlagSet
	configPath *string
	domain     *string
	number     *string
}

func newMailboxFlags(name string) *mailboxFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &mailboxFlags{
		fs:         fs,
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		domain:     fs.String("domain", "", "Context domain (required)"),
		number:     fs.String("number", "", "Mailbox number"),
	}
}

// open parses the flags, connects and resolves the context and, when
// withNumber is set, the mailbox.
func (f *mailboxFlags) open(ctx context.Context, withNumber bool) (*adminSession, *mailbox.Context, *mailbox.Mailbox) {
	f.parse()
	if withNumber {
		requireFlag(f.fs, "number", *f.number)
	}
	return f.connect(ctx, withNumber)
}

// openScoped resolves the mailbox only when --number was given.
func (f *mailboxFlags) openScoped(ctx context.Context) (*adminSession, *mailbox.Context, *mailbox.Mailbox) {
	f.parse()
	return f.connect(ctx, *f.number != "")
}

func (f *mailboxFlags) parse() {
	f.fs.Parse(os.Args[3:])
	requireFlag(f.fs, "domain", *f.domain)
}

func (f *mailboxFlags) connect(ctx context.Context, withNumber bool) (*adminSession, *mailbox.Context, *mailbox.Mailbox) {
	cfg := loadConfig(*f.configPath)
	s := &adminSession{cfg: cfg, db: openDatabase(ctx, cfg)}

	vmctx, err := s.db.GetContext(ctx, *f.domain)
	if err != nil {
		s.db.Close()
		logger.Fatalf("Context %s: %v", *f.domain, err)
	}
	if !withNumber {
		return s, vmctx, nil
	}
	mb, err := s.db.GetMailbox(ctx, vmctx.ID, *f.number)
	if err != nil {
		s.db.Close()
		logger.Fatalf("Mailbox %s in %s: %v", *f.number, vmctx.Domain, err)
	}
	return s, vmctx, mb
}

func handleMailboxList(ctx context.Context) {
	f := newMailboxFlags("mailbox list")
	c, vmctx, _ := f.open(ctx, false)
	defer c.db.Close()

	mailboxes, err := c.db.ListMailboxes(ctx, vmctx.ID)
	if err != nil {
		logger.Fatalf("Failed to list mailboxes: %v", err)
	}
	fmt.Printf("%-10s %-24s %-24s %s\n", "NUMBER", "NAME", "DISPLAY NAME", "EMAIL")
	for _, mb := range mailboxes {
		fmt.Printf("%-10s %-24s %-24s %s\n", mb.Number, mb.Name, mb.DisplayName, mb.Email)
	}
}

func handleMailboxShow(ctx context.Context) {
	f := newMailboxFlags("mailbox show")
	c, vmctx, mb := f.open(ctx, true)
	defer c.db.Close()

	cfg, err := c.db.ResolveConfig(ctx, c.cfg.Voicemail.GetOptions(), mb)
	if err != nil {
		logger.Fatalf("Failed to resolve settings: %v", err)
	}

	fmt.Printf("Mailbox:       %s@%s (id %d)\n", mb.Number, vmctx.Domain, mb.ID)
	fmt.Printf("MWI resource:  %s\n", mb.Name)
	fmt.Printf("Display name:  %s\n", mb.DisplayName)
	fmt.Printf("Email:         %s\n", mb.Email)
	fmt.Printf("Greetings:     busy=%q away=%q name=%q\n", mb.GreetingBusy, mb.GreetingAway, mb.GreetingName)
	fmt.Println("Settings:")
	printValues(cfg.Values())
}

func handleMailboxCreate(ctx context.Context) {
	f := newMailboxFlags("mailbox create")
	password := f.fs.String("password", "", "Numeric PIN (required)")
	email := f.fs.String("email", "", "Notification address")
	displayName := f.fs.String("display-name", "", "Name announced to callers")
	name := f.fs.String("name", "", "ARI mailbox resource for the waiting indicator (default: <number>@<domain>)")
	f.parse()
	requireFlag(f.fs, "number", *f.number)
	requireFlag(f.fs, "password", *password)
	c, vmctx, _ := f.connect(ctx, false)
	defer c.db.Close()

	mb := &mailbox.Mailbox{
		ContextID:   vmctx.ID,
		Number:      *f.number,
		Name:        *name,
		Password:    *password,
		DisplayName: *displayName,
		Email:       *email,
	}
	if err := c.db.CreateMailbox(ctx, mb); err != nil {
		logger.Fatalf("Failed to create mailbox: %v", err)
	}
	fmt.Printf("Created mailbox %s@%s (id %d)\n", mb.Number, vmctx.Domain, mb.ID)
}

func handleMailboxSetPassword(ctx context.Context) {
	f := newMailboxFlags("mailbox set-password")
	password := f.fs.String("password", "", "New numeric PIN (required)")
	f.parse()
	requireFlag(f.fs, "number", *f.number)
	requireFlag(f.fs, "password", *password)
	c, vmctx, mb := f.connect(ctx, true)
	defer c.db.Close()

	if err := c.db.SetMailboxPassword(ctx, mb.ID, *password); err != nil {
		logger.Fatalf("Failed to set password: %v", err)
	}
	fmt.Printf("Password updated for %s@%s\n", mb.Number, vmctx.Domain)
}

func handleMailboxDelete(ctx context.Context) {
	f := newMailboxFlags("mailbox delete")
	c, vmctx, mb := f.open(ctx, true)
	defer c.db.Close()

	recordings, err := c.db.DeleteMailbox(ctx, mb.ID)
	if err != nil {
		logger.Fatalf("Failed to delete mailbox: %v", err)
	}
	fmt.Printf("Deleted mailbox %s@%s and %d messages\n", mb.Number, vmctx.Domain, len(recordings))
}

func handleConfigCommand(ctx context.Context) {
	switch subcommand() {
	case "show":
		handleConfigShow(ctx)
	case "set":
		handleConfigSet(ctx)
	case "unset":
		handleConfigUnset(ctx)
	case "", "help", "--help", "-h":
		fmt.Println(`Usage: vmail-admin config <show|set|unset> --domain D [--number N] [--key K] [--value V]

Without --number the setting applies to every mailbox of the context.
Mailbox settings override context settings, which override [voicemail.options].`)
	default:
		fmt.Printf("Unknown config subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func handleConfigShow(ctx context.Context) {
	f := newMailboxFlags("config show")
	c, vmctx, mb := f.openScoped(ctx)
	defer c.db.Close()

	var entries []mailbox.ConfigEntry
	var err error
	if mb != nil {
		entries, err = c.db.GetMailboxConfig(ctx, mb.ID)
	} else {
		entries, err = c.db.GetContextConfig(ctx, vmctx.ID)
	}
	if err != nil {
		logger.Fatalf("Failed to read settings: %v", err)
	}
	printValues(mailbox.EntriesToMap(entries))
}

func handleConfigSet(ctx context.Context) {
	f := newMailboxFlags("config set")
	key := f.fs.String("key", "", "Setting name (required)")
	value := f.fs.String("value", "", "Setting value")
	f.parse()
	requireFlag(f.fs, "key", *key)
	c, vmctx, mb := f.connect(ctx, *f.number != "")
	defer c.db.Close()

	var err error
	if mb != nil {
		err = c.db.SetMailboxConfig(ctx, mb.ID, *key, *value)
	} else {
		err = c.db.SetContextConfig(ctx, vmctx.ID, *key, *value)
	}
	if err != nil {
		logger.Fatalf("Failed to set %s: %v", *key, err)
	}
	fmt.Printf("%s = %s\n", *key, *value)
}

func handleConfigUnset(ctx context.Context) {
	f := newMailboxFlags("config unset")
	key := f.fs.String("key", "", "Setting name (required)")
	f.parse()
	requireFlag(f.fs, "key", *key)
	c, vmctx, mb := f.connect(ctx, *f.number != "")
	defer c.db.Close()

	var err error
	if mb != nil {
		err = c.db.DeleteMailboxConfig(ctx, mb.ID, *key)
	} else {
		err = c.db.DeleteContextConfig(ctx, vmctx.ID, *key)
	}
	if errors.Is(err, consts.ErrDBNotFound) {
		fmt.Printf("%s was not set\n", *key)
		return
	}
	if err != nil {
		logger.Fatalf("Failed to unset %s: %v", *key, err)
	}
	fmt.Printf("%s unset\n", *key)
}

// adminSession pairs the loaded configuration with its open database.
type adminSession struct {
	cfg config.Config
	db  *db.Database
}

func requireFlag(fs *flag.FlagSet, name, value string) {
	if strings.TrimSpace(value) == "" {
		fmt.Fprintf(os.Stderr, "--%s is required\n\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

func printValues(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-16s %s\n", k, values[k])
	}
}
