package main

import (
	"context"

	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/mailbox"
)

// messageSavedNotifier is woken after a new recording lands in the database.
type messageSavedNotifier interface {
	NotifyMessageSaved()
}

// archivingStore wakes the archiver whenever a call saves a new message so
// the recording reaches S3 without waiting for the next poll.
type archivingStore struct {
	*db.Database
	archiver messageSavedNotifier
}

func (s *archivingStore) SaveMessage(ctx context.Context, msg *mailbox.Message) error {
	isNew := !msg.Persisted()
	if err := s.Database.SaveMessage(ctx, msg); err != nil {
		return err
	}
	if isNew {
		s.archiver.NotifyMessageSaved()
	}
	return nil
}
