package voicemail

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
)

// Services are the collaborators shared by every call.
type Services struct {
	Store    Store
	ARI      ChannelControl
	Notifier Notifier
	// Defaults is the lowest configuration layer, from [voicemail.options].
	Defaults map[string]string
	NewID    func() string
	// Limiter, when set, blocks mailboxes after repeated password failures.
	Limiter AuthLimiter
}

// Helper resolves and holds everything a call knows about its mailbox.
//
// Load fills Context, Folders and, when a number was supplied and exists,
// Mailbox, Config and Messages. A mailbox found later by Lookup is attached
// with Install from the owning flow.
type Helper struct {
	Domain  string
	Number  string
	Channel ari.Channel

	Context  *mailbox.Context
	Mailbox  *mailbox.Mailbox
	Folders  *mailbox.Folders
	Config   *mailbox.Config
	Accounts *AccountHandler
	Messages *MessageHandler

	services      Services
	contextConfig map[string]string
	log           *slog.Logger
}

// Resolution is a mailbox found by number together with its overrides.
type Resolution struct {
	Mailbox *mailbox.Mailbox
	Entries []mailbox.ConfigEntry
}

func NewHelper(services Services, domain, number string, channel ari.Channel, log *slog.Logger) *Helper {
	if domain == "" {
		domain = consts.DefaultDomain
	}
	if log == nil {
		log = slog.Default()
	}
	return &Helper{
		Domain:   domain,
		Number:   number,
		Channel:  channel,
		Accounts: NewAccountHandler(services.Store, services.Limiter),
		services: services,
		log:      log,
	}
}

// Load resolves the context, then the folders, context settings and
// mailbox in parallel.
func (h *Helper) Load(ctx context.Context) error {
	c, err := h.Accounts.GetContext(ctx, h.Domain)
	if err != nil {
		return err
	}
	h.Context = c

	var (
		folders    []*mailbox.Folder
		ctxEntries []mailbox.ConfigEntry
		resolution *Resolution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		folders, err = h.services.Store.GetFolders(gctx)
		if err != nil {
			return fmt.Errorf("folders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ctxEntries, err = h.services.Store.GetContextConfig(gctx, c.ID)
		if err != nil {
			return fmt.Errorf("context config: %w", err)
		}
		return nil
	})
	if h.Number != "" {
		g.Go(func() error {
			var err error
			resolution, err = h.Lookup(gctx, h.Number)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.Folders = mailbox.NewFolders(folders)
	if _, ok := h.Folders.Inbox(); !ok {
		return fmt.Errorf("inbox: %w", consts.ErrFolderNotFound)
	}
	h.contextConfig = mailbox.EntriesToMap(ctxEntries)
	h.Config = mailbox.ResolveConfig(h.services.Defaults, h.contextConfig)

	if resolution != nil {
		return h.Install(resolution)
	}
	return nil
}

// Lookup finds mailbox number in the loaded context. It returns nil when
// there is no such mailbox. Lookup does not modify h.
func (h *Helper) Lookup(ctx context.Context, number string) (*Resolution, error) {
	mb, err := h.Accounts.GetMailbox(ctx, h.Context, number)
	if err != nil || mb == nil {
		return nil, err
	}
	entries, err := h.services.Store.GetMailboxConfig(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("mailbox config: %w", err)
	}
	return &Resolution{Mailbox: mb, Entries: entries}, nil
}

// Install makes r the mailbox of this call.
func (h *Helper) Install(r *Resolution) error {
	cfg := mailbox.ResolveConfig(h.services.Defaults, h.contextConfig, mailbox.EntriesToMap(r.Entries))
	messages, err := NewMessageHandler(MessageHandlerOptions{
		Store:    h.services.Store,
		ARI:      h.services.ARI,
		Notifier: h.services.Notifier,
		Mailbox:  r.Mailbox,
		Channel:  h.Channel,
		Folders:  h.Folders,
		Config:   cfg,
		Logger:   h.log,
		NewID:    h.services.NewID,
	})
	if err != nil {
		return err
	}
	h.Mailbox = r.Mailbox
	h.Number = r.Mailbox.Number
	h.Config = cfg
	h.Messages = messages
	return nil
}
