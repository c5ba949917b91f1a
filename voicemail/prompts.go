package voicemail

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/vmail/ari"
)

// Prompt names a sound played to the caller. A bare name is a core Asterisk
// sound; a value with a scheme, such as a folder recording, is used as is.
type Prompt string

const (
	PromptMailbox            Prompt = "vm-login"
	PromptInvalidMailbox     Prompt = "vm-incorrect-mailbox"
	PromptPassword           Prompt = "vm-password"
	PromptInvalidPassword    Prompt = "vm-incorrect"
	PromptRecordInstructions Prompt = "vm-intro"
	PromptReview             Prompt = "vm-review"
	PromptSaved              Prompt = "vm-msgsaved"
	PromptDeleted            Prompt = "vm-deleted"
	PromptRecordingFailed    Prompt = "vm-sorry"
	PromptNoMore             Prompt = "vm-nomore"
	PromptFirst              Prompt = "vm-first"
	PromptNext               Prompt = "vm-next"
	PromptPrevious           Prompt = "vm-prev"
	PromptReplay             Prompt = "vm-repeat"
	PromptDelete             Prompt = "vm-delete"
	PromptMoveToFolder       Prompt = "vm-savemessage"
	PromptChangeFolder       Prompt = "vm-changeto"
	PromptSelectFolder       Prompt = "vm-savefolder"
	PromptInvalidFolder      Prompt = "pbx-invalid"
	PromptGoodbye            Prompt = "vm-goodbye"
)

// Media is the ARI media URI of p.
func (p Prompt) Media() string {
	if strings.Contains(string(p), ":") {
		return string(p)
	}
	return "sound:" + string(p)
}

// IsPromptMedia reports whether a playback media URI is a prompt rather
// than a message.
func IsPromptMedia(media string) bool {
	return strings.HasPrefix(media, "sound:")
}

// Call is what a flow may do to its caller besides message operations.
// Both methods return immediately.
type Call interface {
	Prompt(prompts ...Prompt)
	// Goodbye plays the goodbye prompt and hangs up once it has finished.
	Goodbye()
}

// PromptClient is the part of ARI a Prompter drives.
type PromptClient interface {
	Play(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
}

type promptItem struct {
	prompts    []Prompt
	generation uint64
	hangup     bool
}

// Prompter plays prompts on one channel in the order they were queued.
// Interrupt skips everything queued so far and stops what is playing, so
// a caller can barge in with a digit.
type Prompter struct {
	client    PromptClient
	channelID string
	log       *slog.Logger
	// HangupWait bounds how long Goodbye waits for its prompt to finish.
	HangupWait time.Duration

	queue chan promptItem
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	generation uint64
	active     map[string]chan struct{}
}

func NewPrompter(client PromptClient, channelID string, log *slog.Logger) *Prompter {
	if log == nil {
		log = slog.Default()
	}
	p := &Prompter{
		client:     client,
		channelID:  channelID,
		log:        log,
		HangupWait: 15 * time.Second,
		queue:      make(chan promptItem, 64),
		done:       make(chan struct{}),
		active:     make(map[string]chan struct{}),
	}
	go p.run()
	return p
}

func (p *Prompter) Prompt(prompts ...Prompt) {
	if len(prompts) == 0 {
		return
	}
	p.enqueue(promptItem{prompts: prompts})
}

func (p *Prompter) Goodbye() {
	p.enqueue(promptItem{prompts: []Prompt{PromptGoodbye}, hangup: true})
}

func (p *Prompter) enqueue(item promptItem) {
	p.mu.Lock()
	item.generation = p.generation
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- item:
	default:
		p.log.Warn("Prompt queue full, dropping prompts", "prompts", item.prompts)
	}
}

// Interrupt drops queued prompts and stops those playing.
func (p *Prompter) Interrupt() {
	p.mu.Lock()
	p.generation++
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := p.client.StopPlayback(ctx, id); err != nil && !ari.IsGone(err) {
				p.log.Debug("Failed to stop prompt", "playback", id, "error", err)
			}
		}
	}()
}

// Finished records the end of a prompt playback.
func (p *Prompter) Finished(playbackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.active[playbackID]; ok {
		close(ch)
		delete(p.active, playbackID)
	}
}

// Close stops the queue. Prompts not yet started are dropped.
func (p *Prompter) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *Prompter) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	for {
		select {
		case <-p.done:
			return
		case item := <-p.queue:
			select {
			case <-p.done:
				return
			default:
			}
			p.play(ctx, item)
		}
	}
}

func (p *Prompter) play(ctx context.Context, item promptItem) {
	var last chan struct{}
	for _, prompt := range item.prompts {
		p.mu.Lock()
		stale := item.generation != p.generation && !item.hangup
		var finished chan struct{}
		id := "prompt-" + uuid.NewString()
		if !stale {
			finished = make(chan struct{})
			p.active[id] = finished
		}
		p.mu.Unlock()
		if stale {
			return
		}

		if _, err := p.client.Play(ctx, p.channelID, id, prompt.Media()); err != nil {
			p.Finished(id)
			if ctx.Err() == nil {
				p.log.Warn("Failed to play prompt", "prompt", prompt, "error", err)
			}
			continue
		}
		last = finished
	}

	if !item.hangup {
		return
	}
	if last != nil {
		select {
		case <-last:
		case <-ctx.Done():
		case <-time.After(p.HangupWait):
		}
	}
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Hangup(hctx, p.channelID); err != nil && !ari.IsGone(err) {
		p.log.Warn("Failed to hang up", "error", err)
	}
}
