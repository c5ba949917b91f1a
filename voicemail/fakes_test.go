package voicemail

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/mailbox"
)

// fakeStore is an in-memory Store. Func fields override single operations.
type fakeStore struct {
	mu        sync.Mutex
	context   *mailbox.Context
	mailboxes map[string]*mailbox.Mailbox
	passwords map[int64]string
	folders   []*mailbox.Folder
	messages  map[int64]*mailbox.Message
	nextID    int64
	deleted   []int64

	SaveMessageFunc       func(ctx context.Context, msg *mailbox.Message) error
	DeleteMessageFunc     func(ctx context.Context, msg *mailbox.Message) error
	GetLatestMessagesFunc func(ctx context.Context, mailboxID, folderID int64, since time.Time) ([]*mailbox.Message, error)
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		context:   &mailbox.Context{ID: 1, Domain: consts.DefaultDomain},
		mailboxes: map[string]*mailbox.Mailbox{},
		passwords: map[int64]string{},
		messages:  map[int64]*mailbox.Message{},
		nextID:    100,
	}
	for i, f := range consts.DefaultFolders {
		s.folders = append(s.folders, &mailbox.Folder{ID: int64(i + 1), Name: f.Name, Recording: f.Recording, DTMF: f.DTMF})
	}
	s.mailboxes["1000"] = &mailbox.Mailbox{ID: 7, ContextID: 1, Number: "1000", Name: "1000@default"}
	s.passwords[7] = "1234"
	return s
}

// addMessage stores a persisted message in folder id folderID.
func (s *fakeStore) addMessage(id, folderID int64, read bool, date time.Time) *mailbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &mailbox.Message{
		ID:        id,
		MailboxID: 7,
		FolderID:  folderID,
		Date:      date,
		Read:      read,
		Recording: fmt.Sprintf("voicemail/7/msg-%d", id),
	}
	s.messages[id] = msg
	return msg
}

func (s *fakeStore) GetContext(_ context.Context, domain string) (*mailbox.Context, error) {
	if domain != s.context.Domain {
		return nil, consts.ErrContextNotFound
	}
	return s.context, nil
}

func (s *fakeStore) GetMailbox(_ context.Context, contextID int64, number string) (*mailbox.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[number]
	if !ok || mb.ContextID != contextID {
		return nil, consts.ErrMailboxNotFound
	}
	return mb, nil
}

func (s *fakeStore) AuthenticateMailbox(_ context.Context, mailboxID int64, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passwords[mailboxID] != password {
		return consts.ErrInvalidPassword
	}
	return nil
}

func (s *fakeStore) GetFolders(context.Context) ([]*mailbox.Folder, error) {
	return s.folders, nil
}

func (s *fakeStore) GetContextConfig(context.Context, int64) ([]mailbox.ConfigEntry, error) {
	return []mailbox.ConfigEntry{{Key: mailbox.ConfigMaxDuration, Value: "60"}}, nil
}

func (s *fakeStore) GetMailboxConfig(context.Context, int64) ([]mailbox.ConfigEntry, error) {
	return []mailbox.ConfigEntry{{Key: mailbox.ConfigMaxSilence, Value: "5"}}, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, msg *mailbox.Message) error {
	if s.SaveMessageFunc != nil {
		return s.SaveMessageFunc(ctx, msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == 0 {
		s.nextID++
		msg.ID = s.nextID
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, msg *mailbox.Message) error {
	if s.DeleteMessageFunc != nil {
		return s.DeleteMessageFunc(ctx, msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, msg.ID)
	s.deleted = append(s.deleted, msg.ID)
	return nil
}

func (s *fakeStore) GetMessages(ctx context.Context, mailboxID, folderID int64) ([]*mailbox.Message, error) {
	return s.GetLatestMessages(ctx, mailboxID, folderID, time.Time{})
}

func (s *fakeStore) GetLatestMessages(ctx context.Context, mailboxID, folderID int64, since time.Time) ([]*mailbox.Message, error) {
	if s.GetLatestMessagesFunc != nil {
		return s.GetLatestMessagesFunc(ctx, mailboxID, folderID, since)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mailbox.Message
	for _, m := range s.messages {
		if m.MailboxID == mailboxID && m.FolderID == folderID && m.Date.After(since) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (s *fakeStore) CountMessages(_ context.Context, mailboxID, folderID int64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unread, read int
	for _, m := range s.messages {
		if m.MailboxID != mailboxID || m.FolderID != folderID {
			continue
		}
		if m.Read {
			read++
		} else {
			unread++
		}
	}
	return unread, read, nil
}

func (s *fakeStore) message(id int64) *mailbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

// fakeARI records the commands it receives.
type fakeARI struct {
	mu    sync.Mutex
	calls []string
	plays []string // media of every Play
	mwi   [][2]int // old, new

	RecordFunc        func(ctx context.Context, channelID string, opts ari.RecordOptions) (*ari.LiveRecording, error)
	StopRecordingFunc func(ctx context.Context, name string) error
	PlayFunc          func(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	StopPlaybackFunc  func(ctx context.Context, playbackID string) error
	HangupFunc        func(ctx context.Context, channelID string) error

	lastRecord ari.RecordOptions
	playIDs    []string
}

func (f *fakeARI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeARI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeARI) Plays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

func (f *fakeARI) PlayIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.playIDs...)
}

// playbackOf returns the id of the first playback of media.
func (f *fakeARI) playbackOf(media string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.plays {
		if m == media {
			return f.playIDs[i]
		}
	}
	return ""
}

func (f *fakeARI) Answer(_ context.Context, channelID string) error {
	f.record("answer " + channelID)
	return nil
}

func (f *fakeARI) Hangup(ctx context.Context, channelID string) error {
	f.record("hangup " + channelID)
	if f.HangupFunc != nil {
		return f.HangupFunc(ctx, channelID)
	}
	return nil
}

func (f *fakeARI) Record(ctx context.Context, channelID string, opts ari.RecordOptions) (*ari.LiveRecording, error) {
	f.record("record " + opts.Name)
	f.mu.Lock()
	f.lastRecord = opts
	f.mu.Unlock()
	if f.RecordFunc != nil {
		return f.RecordFunc(ctx, channelID, opts)
	}
	return &ari.LiveRecording{Name: opts.Name, State: "queued"}, nil
}

func (f *fakeARI) StopRecording(ctx context.Context, name string) error {
	f.record("stop_recording " + name)
	if f.StopRecordingFunc != nil {
		return f.StopRecordingFunc(ctx, name)
	}
	return nil
}

func (f *fakeARI) CancelRecording(_ context.Context, name string) error {
	f.record("cancel_recording " + name)
	return nil
}

func (f *fakeARI) Play(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error) {
	f.mu.Lock()
	f.plays = append(f.plays, media)
	f.playIDs = append(f.playIDs, playbackID)
	f.mu.Unlock()
	if f.PlayFunc != nil {
		return f.PlayFunc(ctx, channelID, playbackID, media)
	}
	return &ari.Playback{ID: playbackID, MediaURI: media, TargetURI: "channel:" + channelID}, nil
}

func (f *fakeARI) StopPlayback(ctx context.Context, playbackID string) error {
	f.record("stop_playback " + playbackID)
	if f.StopPlaybackFunc != nil {
		return f.StopPlaybackFunc(ctx, playbackID)
	}
	return nil
}

func (f *fakeARI) UpdateMailbox(_ context.Context, name string, oldMessages, newMessages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mwi = append(f.mwi, [2]int{oldMessages, newMessages})
	f.calls = append(f.calls, "update_mailbox "+name)
	return nil
}

func (f *fakeARI) DeleteStoredRecording(_ context.Context, name string) error {
	f.record("delete_recording " + name)
	return nil
}

// fakeCall records prompts instead of playing them.
type fakeCall struct {
	mu       sync.Mutex
	prompts  [][]Prompt
	goodbyes int
}

func (c *fakeCall) Prompt(prompts ...Prompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompts)
}

func (c *fakeCall) Goodbye() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goodbyes++
}

func (c *fakeCall) last() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return nil
	}
	return c.prompts[len(c.prompts)-1]
}

func (c *fakeCall) all() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Prompt
	for _, p := range c.prompts {
		out = append(out, p...)
	}
	return out
}

// manualRunner holds collaborator calls until the test runs them.
type manualRunner struct {
	mu      sync.Mutex
	pending []func()
}

func (r *manualRunner) Run(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, fn)
}

// Len is the number of calls waiting to run.
func (r *manualRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Step runs the oldest pending call only.
func (r *manualRunner) Step() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	fn := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()
	fn()
}

// Flush runs every pending call, including ones queued while flushing.
func (r *manualRunner) Flush() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		fn()
	}
}

type flowHarness struct {
	store       *fakeStore
	ari         *fakeARI
	call        *fakeCall
	errs        []error
	stops       int
	transitions []State
	ids         int
}

func newHarness() *flowHarness {
	return &flowHarness{store: newFakeStore(), ari: &fakeARI{}, call: &fakeCall{}}
}

func (h *flowHarness) services() Services {
	return Services{
		Store:    h.store,
		ARI:      h.ari,
		Defaults: map[string]string{mailbox.ConfigFormat: "wav"},
		NewID: func() string {
			h.ids++
			return fmt.Sprintf("id-%d", h.ids)
		},
	}
}

func (h *flowHarness) options(app string, runner fsm.Runner) FlowOptions {
	return FlowOptions{
		App:             app,
		Call:            h.call,
		MaxAuthAttempts: 3,
		Runner:          runner,
		OnError:         func(err error) { h.errs = append(h.errs, err) },
		OnStop:          func() { h.stops++ },
		OnTransition:    func(_, to State) { h.transitions = append(h.transitions, to) },
	}
}

func (h *flowHarness) loadHelper(t *testing.T, number string) *Helper {
	t.Helper()
	helper := NewHelper(h.services(), consts.DefaultDomain, number, ari.Channel{ID: "chan-1", Caller: ari.CallerID{Name: "Alice", Number: "555"}}, nil)
	require.NoError(t, helper.Load(context.Background()))
	return helper
}

func (h *flowHarness) entered(state State) bool {
	for _, s := range h.transitions {
		if s == state {
			return true
		}
	}
	return false
}

func dial(f Flow, digits string) {
	for _, d := range digits {
		f.Handle(EventDTMF, string(d))
	}
}
