package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/migadu/vmail/logger"
)

func handleMessagesCommand(ctx context.Context) {
	f := newMailboxFlags("messages")
	f.fs.Usage = func() {
		fmt.Println("Usage: vmail-admin messages [--config config.toml] --domain D --number N")
		fmt.Println("Lists the messages of a mailbox per folder with their archive state.")
	}
	// "messages" has no subcommand; flags start right after it.
	f.fs.Parse(shiftArgs())
	requireFlag(f.fs, "domain", *f.domain)
	requireFlag(f.fs, "number", *f.number)
	c, vmctx, mb := f.connect(ctx, true)
	defer c.db.Close()

	folders, err := c.db.GetFolders(ctx)
	if err != nil {
		logger.Fatalf("Failed to list folders: %v", err)
	}

	fmt.Printf("Mailbox %s@%s\n", mb.Number, vmctx.Domain)
	now := time.Now()
	for _, folder := range folders {
		msgs, err := c.db.GetMessages(ctx, mb.ID, folder.ID)
		if err != nil {
			logger.Fatalf("Failed to list messages in %s: %v", folder.Name, err)
		}
		if len(msgs) == 0 {
			continue
		}
		unread := 0
		for _, m := range msgs {
			if !m.Read {
				unread++
			}
		}
		fmt.Printf("\n[%s] %s: %d messages, %d unread\n", folder.DTMF, folder.Name, len(msgs), unread)
		fmt.Printf("  %-8s %-20s %-16s %-8s %-6s %s\n", "ID", "RECEIVED", "CALLER", "LENGTH", "READ", "ARCHIVED")
		for _, m := range msgs {
			archived := "no"
			if m.ArchivedAt != nil {
				archived = humanize.RelTime(*m.ArchivedAt, now, "ago", "from now")
			}
			caller := m.CallerID
			if caller == "" {
				caller = "unknown"
			}
			fmt.Printf("  %-8d %-20s %-16s %-8s %-6t %s\n",
				m.ID, humanize.RelTime(m.Date, now, "ago", "from now"), caller, m.Duration.Round(time.Second), m.Read, archived)
		}
	}
}

// shiftArgs returns the arguments after the command name.
func shiftArgs() []string {
	if len(os.Args) < 3 {
		return nil
	}
	return os.Args[2:]
}
