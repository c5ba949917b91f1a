// Package mailbox holds the voicemail domain model: contexts, mailboxes,
// folders, messages, the per-folder MessageList browsed by callers and the
// layered mailbox configuration.
package mailbox

import (
	"sort"
	"strings"
	"time"
)

// RecordingScheme prefixes a recording name in ARI playback media URIs.
const RecordingScheme = "recording:"

// Context is a domain namespace owning mailboxes.
type Context struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
}

// Mailbox is a numbered voicemail box within a Context.
type Mailbox struct {
	ID        int64  `json:"id"`
	ContextID int64  `json:"context_id"`
	Number    string `json:"number"`
	// Name is the ARI mailbox resource carrying the waiting indicator, e.g. "SIP/1000".
	Name         string `json:"name"`
	Password     string `json:"-"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	GreetingBusy string `json:"greeting_busy,omitempty"`
	GreetingAway string `json:"greeting_away,omitempty"`
	GreetingName string `json:"greeting_name,omitempty"`
}

// Folder is a subdivision of a mailbox selected by a single DTMF digit.
type Folder struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Recording string `json:"recording"`
	DTMF      string `json:"dtmf"`
}

// Message is one voicemail. ID is zero until the message is persisted.
type Message struct {
	ID                int64         `json:"id"`
	MailboxID         int64         `json:"mailbox_id"`
	FolderID          int64         `json:"folder_id"`
	Date              time.Time     `json:"date"`
	Read              bool          `json:"read"`
	CallerID          string        `json:"caller_id,omitempty"`
	Duration          time.Duration `json:"duration"`
	Recording         string        `json:"recording"`
	OriginalMailboxID int64         `json:"original_mailbox_id,omitempty"`

	ContentHash string     `json:"content_hash,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// NewMessage creates an unsaved, unread message dated now.
func NewMessage(mailboxID, folderID int64, recording string) *Message {
	return &Message{
		MailboxID: mailboxID,
		FolderID:  folderID,
		Date:      time.Now().UTC(),
		Recording: recording,
	}
}

// Persisted reports whether the message has been stored.
func (m *Message) Persisted() bool {
	return m.ID != 0
}

// MediaURI is the ARI media locator playing this message.
func (m *Message) MediaURI() string {
	return RecordingScheme + m.Recording
}

// Folders indexes folders by DTMF selector.
type Folders struct {
	byDTMF map[string]*Folder
}

func NewFolders(folders []*Folder) *Folders {
	f := &Folders{byDTMF: make(map[string]*Folder, len(folders))}
	for _, folder := range folders {
		f.byDTMF[folder.DTMF] = folder
	}
	return f
}

// Get looks up a folder by its selector. Surrounding whitespace and a
// trailing '#' are ignored.
func (f *Folders) Get(dtmf string) (*Folder, bool) {
	if f == nil {
		return nil, false
	}
	dtmf = strings.TrimSuffix(strings.TrimSpace(dtmf), "#")
	folder, ok := f.byDTMF[dtmf]
	return folder, ok
}

// Inbox returns the folder new messages are delivered to.
func (f *Folders) Inbox() (*Folder, bool) {
	return f.Get("0")
}

// ByID finds a folder by database id.
func (f *Folders) ByID(id int64) (*Folder, bool) {
	if f == nil {
		return nil, false
	}
	for _, folder := range f.byDTMF {
		if folder.ID == id {
			return folder, true
		}
	}
	return nil, false
}

// All returns the folders ordered by selector.
func (f *Folders) All() []*Folder {
	if f == nil {
		return nil
	}
	out := make([]*Folder, 0, len(f.byDTMF))
	for _, folder := range f.byDTMF {
		out = append(out, folder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DTMF < out[j].DTMF })
	return out
}

func (f *Folders) Len() int {
	if f == nil {
		return 0
	}
	return len(f.byDTMF)
}
