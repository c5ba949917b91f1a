// Package voicemail runs the two voicemail applications on top of ARI:
// "voicemail", where a caller leaves a message (RecordingFlow), and
// "voicemail-main", where a mailbox owner reviews messages (MailboxFlow).
//
// Each call gets a Session owning one flow, one router subscription and one
// prompt queue. Flows never talk to ARI or the database directly; they go
// through a Helper and its AccountHandler and MessageHandler.
package voicemail

import (
	"context"
	"time"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/mailbox"
)

// AccountStore resolves contexts, mailboxes and their settings.
type AccountStore interface {
	GetContext(ctx context.Context, domain string) (*mailbox.Context, error)
	GetMailbox(ctx context.Context, contextID int64, number string) (*mailbox.Mailbox, error)
	AuthenticateMailbox(ctx context.Context, mailboxID int64, password string) error
	GetFolders(ctx context.Context) ([]*mailbox.Folder, error)
	GetContextConfig(ctx context.Context, contextID int64) ([]mailbox.ConfigEntry, error)
	GetMailboxConfig(ctx context.Context, mailboxID int64) ([]mailbox.ConfigEntry, error)
}

// MessageStore persists messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *mailbox.Message) error
	DeleteMessage(ctx context.Context, msg *mailbox.Message) error
	GetMessages(ctx context.Context, mailboxID, folderID int64) ([]*mailbox.Message, error)
	GetLatestMessages(ctx context.Context, mailboxID, folderID int64, since time.Time) ([]*mailbox.Message, error)
	CountMessages(ctx context.Context, mailboxID, folderID int64) (unread, read int, err error)
}

// Store is everything a call needs from persistence.
type Store interface {
	AccountStore
	MessageStore
}

// ChannelControl is the set of ARI commands issued on behalf of a call.
type ChannelControl interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	Record(ctx context.Context, channelID string, opts ari.RecordOptions) (*ari.LiveRecording, error)
	StopRecording(ctx context.Context, name string) error
	CancelRecording(ctx context.Context, name string) error
	Play(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
	UpdateMailbox(ctx context.Context, name string, oldMessages, newMessages int) error
	DeleteStoredRecording(ctx context.Context, name string) error
}

// Notifier tells a mailbox owner about a new message.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, mb *mailbox.Mailbox, msg *mailbox.Message) error
}
