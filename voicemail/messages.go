package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/metrics"
)

const (
	defaultFormat      = "wav"
	defaultMaxSilence  = 10 * time.Second
	defaultMaxDuration = 180 * time.Second
)

// MessageHandler performs message operations for one mailbox on one call.
type MessageHandler struct {
	store    MessageStore
	ari      ChannelControl
	notifier Notifier
	mailbox  *mailbox.Mailbox
	channel  ari.Channel
	folders  *mailbox.Folders
	config   *mailbox.Config
	log      *slog.Logger
	newID    func() string

	mu      sync.Mutex
	current *mailbox.Folder
}

// MessageHandlerOptions wires a MessageHandler.
type MessageHandlerOptions struct {
	Store    MessageStore
	ARI      ChannelControl
	Notifier Notifier
	Mailbox  *mailbox.Mailbox
	Channel  ari.Channel
	Folders  *mailbox.Folders
	Config   *mailbox.Config
	Logger   *slog.Logger
	NewID    func() string
}

// NewMessageHandler starts in INBOX.
func NewMessageHandler(opts MessageHandlerOptions) (*MessageHandler, error) {
	if opts.Mailbox == nil {
		return nil, consts.ErrMailboxUnresolved
	}
	inbox, ok := opts.Folders.Inbox()
	if !ok {
		return nil, fmt.Errorf("inbox: %w", consts.ErrFolderNotFound)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MessageHandler{
		store:    opts.Store,
		ari:      opts.ARI,
		notifier: opts.Notifier,
		mailbox:  opts.Mailbox,
		channel:  opts.Channel,
		folders:  opts.Folders,
		config:   opts.Config,
		log:      opts.Logger,
		newID:    opts.NewID,
		current:  inbox,
	}, nil
}

func (h *MessageHandler) Mailbox() *mailbox.Mailbox {
	return h.mailbox
}

// CurrentFolder is the folder being browsed.
func (h *MessageHandler) CurrentFolder() *mailbox.Folder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// NewMessage creates an unsaved INBOX message with a fresh recording name.
func (h *MessageHandler) NewMessage() *mailbox.Message {
	inbox, _ := h.folders.Inbox()
	name := fmt.Sprintf("voicemail/%d/%s", h.mailbox.ID, h.newID())
	msg := mailbox.NewMessage(h.mailbox.ID, inbox.ID, name)
	switch {
	case h.channel.Caller.Name != "":
		msg.CallerID = h.channel.Caller.Name
	case h.channel.Caller.Number != "":
		msg.CallerID = h.channel.Caller.Number
	}
	return msg
}

// NewPlaybackID returns an id for a message playback.
func (h *MessageHandler) NewPlaybackID() string {
	return h.newID()
}

// RecordOptions are the recording parameters resolved for this mailbox.
func (h *MessageHandler) RecordOptions(name string) ari.RecordOptions {
	return ari.RecordOptions{
		Name:        name,
		Format:      h.config.String(mailbox.ConfigFormat, defaultFormat),
		MaxSilence:  h.config.Seconds(mailbox.ConfigMaxSilence, defaultMaxSilence),
		MaxDuration: h.config.Seconds(mailbox.ConfigMaxDuration, defaultMaxDuration),
		Beep:        true,
	}
}

// Record starts recording the channel into msg's recording. Nothing is
// stored until the message is saved.
func (h *MessageHandler) Record(ctx context.Context, msg *mailbox.Message) (*ari.LiveRecording, error) {
	return h.ari.Record(ctx, h.channel.ID, h.RecordOptions(msg.Recording))
}

// StopRecording ends a live recording, keeping it. A recording that has
// already finished is not an error.
func (h *MessageHandler) StopRecording(ctx context.Context, name string) error {
	if err := h.ari.StopRecording(ctx, name); err != nil && !ari.IsGone(err) {
		return err
	}
	return nil
}

// CancelRecording ends a live recording and discards it.
func (h *MessageHandler) CancelRecording(ctx context.Context, name string) error {
	if err := h.ari.CancelRecording(ctx, name); err != nil && !ari.IsGone(err) {
		return err
	}
	return nil
}

// Discard removes the stored recording of an unsaved message.
func (h *MessageHandler) Discard(ctx context.Context, msg *mailbox.Message) error {
	if err := h.ari.DeleteStoredRecording(ctx, msg.Recording); err != nil && !ari.IsGone(err) {
		return err
	}
	return nil
}

// Save persists msg and, with mwi, refreshes the waiting indicator.
func (h *MessageHandler) Save(ctx context.Context, msg *mailbox.Message, mwi bool) error {
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if mwi {
		h.updateMWI(ctx)
	}
	return nil
}

// Delete removes msg and its stored recording.
func (h *MessageHandler) Delete(ctx context.Context, msg *mailbox.Message) error {
	if err := h.store.DeleteMessage(ctx, msg); err != nil {
		return fmt.Errorf("delete message %d: %w", msg.ID, err)
	}
	if err := h.ari.DeleteStoredRecording(ctx, msg.Recording); err != nil && !ari.IsGone(err) {
		h.log.Warn("Failed to delete stored recording", "recording", msg.Recording, "error", err)
	}
	metrics.MessagesDeleted.WithLabelValues("caller").Inc()
	if h.isInbox(msg.FolderID) {
		h.updateMWI(ctx)
	}
	return nil
}

// GetMessages loads the whole current folder into a new list.
func (h *MessageHandler) GetMessages(ctx context.Context) (*mailbox.MessageList, error) {
	return h.loadFolder(ctx, h.CurrentFolder())
}

// GetLatestMessages returns messages of the current folder newer than since.
func (h *MessageHandler) GetLatestMessages(ctx context.Context, since time.Time) ([]*mailbox.Message, error) {
	folder := h.CurrentFolder()
	msgs, err := h.store.GetLatestMessages(ctx, h.mailbox.ID, folder.ID, since)
	if err != nil {
		return nil, fmt.Errorf("latest messages in %s: %w", folder.Name, err)
	}
	return msgs, nil
}

// Play starts msg on the channel under playbackID.
func (h *MessageHandler) Play(ctx context.Context, playbackID string, msg *mailbox.Message) error {
	_, err := h.ari.Play(ctx, h.channel.ID, playbackID, msg.MediaURI())
	if err == nil {
		metrics.MessagesPlayed.Inc()
	}
	return err
}

// StopPlayback stops a message playback. A playback that already ended is
// not an error.
func (h *MessageHandler) StopPlayback(ctx context.Context, playbackID string) error {
	if err := h.ari.StopPlayback(ctx, playbackID); err != nil && !ari.IsGone(err) {
		return err
	}
	return nil
}

// LoadFolder returns the folder selected by dtmf and its messages without
// switching to it. An unknown selector yields consts.ErrFolderNotFound.
func (h *MessageHandler) LoadFolder(ctx context.Context, dtmf string) (*mailbox.Folder, *mailbox.MessageList, error) {
	folder, ok := h.folders.Get(dtmf)
	if !ok {
		return nil, nil, fmt.Errorf("selector %q: %w", dtmf, consts.ErrFolderNotFound)
	}
	list, err := h.loadFolder(ctx, folder)
	if err != nil {
		return nil, nil, err
	}
	return folder, list, nil
}

// UseFolder makes folder the one being browsed.
func (h *MessageHandler) UseFolder(folder *mailbox.Folder) {
	h.mu.Lock()
	h.current = folder
	h.mu.Unlock()
}

// MoveToFolder moves msg to the folder selected by dtmf and reports whether
// it moved. Unknown selectors and the message's own folder are refused.
func (h *MessageHandler) MoveToFolder(ctx context.Context, msg *mailbox.Message, dtmf string) (bool, error) {
	folder, ok := h.folders.Get(dtmf)
	if !ok || msg == nil || folder.ID == msg.FolderID {
		return false, nil
	}
	from := msg.FolderID
	moved := *msg
	moved.FolderID = folder.ID
	if err := h.store.SaveMessage(ctx, &moved); err != nil {
		return false, fmt.Errorf("move message %d to %s: %w", msg.ID, folder.Name, err)
	}
	*msg = moved
	metrics.MessagesMoved.Inc()
	if h.isInbox(from) || h.isInbox(folder.ID) {
		h.updateMWI(ctx)
	}
	return true, nil
}

// Notify emails the owner about msg when the mailbox asks for it. Failures
// are logged.
func (h *MessageHandler) Notify(ctx context.Context, msg *mailbox.Message) {
	if h.notifier == nil || h.mailbox.Email == "" || !h.config.Bool(mailbox.ConfigEmailNotify, false) {
		return
	}
	if err := h.notifier.NotifyNewMessage(ctx, h.mailbox, msg); err != nil {
		h.log.Warn("New message notification failed", "mailbox", h.mailbox.Number, "error", err)
	}
}

func (h *MessageHandler) loadFolder(ctx context.Context, folder *mailbox.Folder) (*mailbox.MessageList, error) {
	msgs, err := h.store.GetMessages(ctx, h.mailbox.ID, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("messages in %s: %w", folder.Name, err)
	}
	list := mailbox.NewMessageList()
	list.Add(msgs...)
	return list, nil
}

func (h *MessageHandler) isInbox(folderID int64) bool {
	inbox, ok := h.folders.Inbox()
	return ok && inbox.ID == folderID
}

// updateMWI pushes the INBOX counts to the mailbox waiting indicator. The
// indicator is advisory, so failures are only logged.
func (h *MessageHandler) updateMWI(ctx context.Context) {
	if h.mailbox.Name == "" {
		return
	}
	inbox, _ := h.folders.Inbox()
	// Counts must include the write that triggered the update.
	unread, read, err := h.store.CountMessages(context.WithValue(ctx, consts.UseMasterDBKey, true), h.mailbox.ID, inbox.ID)
	if err != nil {
		h.log.Warn("Failed to count messages for MWI", "mailbox", h.mailbox.Name, "error", err)
		return
	}
	if err := h.ari.UpdateMailbox(ctx, h.mailbox.Name, read, unread); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.log.Warn("Failed to update MWI", "mailbox", h.mailbox.Name, "error", err)
		}
		return
	}
	h.log.Debug("Updated MWI", "mailbox", h.mailbox.Name, "new", unread, "old", read)
}
