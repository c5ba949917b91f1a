package mailbox

import (
	"sort"
	"time"
)

// Epoch is the fetch cursor of an empty MessageList.
var Epoch = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// MessageList is the ordered view of one mailbox folder a caller browses.
//
// Order is unread messages newest first, then read messages newest first.
// The current message and the history of previously current messages are
// kept as ids so removals cannot leave dangling references. Messages in a
// list are expected to be persisted; unsaved messages (id 0) are never
// treated as duplicates of each other.
//
// A MessageList is not safe for concurrent use; it is owned by one call flow.
type MessageList struct {
	messages   []*Message
	countNew   int
	countOld   int
	latest     time.Time
	current    int64
	hasCurrent bool
	history    []int64
}

func NewMessageList() *MessageList {
	return &MessageList{latest: Epoch}
}

// Add merges a fetched batch, skipping ids already present.
func (l *MessageList) Add(batch ...*Message) {
	wasEmpty := len(l.messages) == 0

	for _, msg := range batch {
		if msg == nil {
			continue
		}
		if msg.ID != 0 && l.indexOf(msg.ID) >= 0 {
			continue
		}
		l.messages = append(l.messages, msg)
		if msg.Read {
			l.countOld++
		} else {
			l.countNew++
		}
		if msg.Date.After(l.latest) {
			l.latest = msg.Date
		}
	}

	// A first batch comes ordered from the store; only verify it.
	if !wasEmpty || !l.sorted() {
		l.sort()
	}
}

// Next returns the first message in list order that is neither current
// nor in the history, making it current. It returns nil when every message
// has been visited; the current message is then left as it was.
func (l *MessageList) Next() *Message {
	for _, msg := range l.messages {
		if l.hasCurrent && msg.ID == l.current {
			continue
		}
		if l.inHistory(msg.ID) {
			continue
		}
		if l.hasCurrent {
			l.history = append(l.history, l.current)
		}
		l.current = msg.ID
		l.hasCurrent = true
		return msg
	}
	return nil
}

// Previous pops the history into current. It returns nil and changes
// nothing when the history is empty.
func (l *MessageList) Previous() *Message {
	for len(l.history) > 0 {
		id := l.history[len(l.history)-1]
		l.history = l.history[:len(l.history)-1]
		if idx := l.indexOf(id); idx >= 0 {
			l.current = id
			l.hasCurrent = true
			return l.messages[idx]
		}
	}
	return nil
}

// First resets the cursor and returns the first message in list order.
func (l *MessageList) First() *Message {
	l.history = nil
	l.current = 0
	l.hasCurrent = false
	return l.Next()
}

// Current returns the message being reviewed, or nil.
func (l *MessageList) Current() *Message {
	if !l.hasCurrent {
		return nil
	}
	if idx := l.indexOf(l.current); idx >= 0 {
		return l.messages[idx]
	}
	return nil
}

// MarkAsRead flips an unread message of this list to read and reports
// whether anything changed. The list is not resorted.
func (l *MessageList) MarkAsRead(msg *Message) bool {
	if msg == nil {
		return false
	}
	idx := l.indexOf(msg.ID)
	if idx < 0 {
		return false
	}
	target := l.messages[idx]
	if target.Read {
		return false
	}
	target.Read = true
	msg.Read = true
	l.countNew--
	l.countOld++
	return true
}

// Remove drops a message from the list and the history, clearing current
// if it pointed at it. Latest is kept so later fetches do not return it.
func (l *MessageList) Remove(msg *Message) {
	if msg == nil {
		return
	}
	idx := l.indexOf(msg.ID)
	if idx < 0 {
		return
	}
	removed := l.messages[idx]
	l.messages = append(l.messages[:idx], l.messages[idx+1:]...)

	history := l.history[:0]
	for _, id := range l.history {
		if id != removed.ID {
			history = append(history, id)
		}
	}
	l.history = history

	if l.hasCurrent && l.current == removed.ID {
		l.current = 0
		l.hasCurrent = false
	}

	if removed.Read {
		l.countOld--
	} else {
		l.countNew--
	}
}

// GetMessage correlates a playback media URI ("recording:<name>") with the
// message playing it.
func (l *MessageList) GetMessage(mediaURI string) *Message {
	if len(mediaURI) < len(RecordingScheme) {
		return nil
	}
	recording := mediaURI[len(RecordingScheme):]
	for _, msg := range l.messages {
		if msg.Recording == recording {
			return msg
		}
	}
	return nil
}

func (l *MessageList) PreviousExists() bool {
	return len(l.history) > 0
}

func (l *MessageList) CurrentExists() bool {
	return l.Current() != nil
}

func (l *MessageList) IsEmpty() bool {
	return len(l.messages) == 0
}

func (l *MessageList) IsNotEmpty() bool {
	return !l.IsEmpty()
}

// Latest is the newest message date seen, used as the incremental fetch cursor.
func (l *MessageList) Latest() time.Time {
	return l.latest
}

// Counts returns the unread and read message counts.
func (l *MessageList) Counts() (unread, read int) {
	return l.countNew, l.countOld
}

func (l *MessageList) Len() int {
	return len(l.messages)
}

// Messages returns the messages in list order.
func (l *MessageList) Messages() []*Message {
	out := make([]*Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *MessageList) indexOf(id int64) int {
	for i, msg := range l.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func (l *MessageList) inHistory(id int64) bool {
	for _, h := range l.history {
		if h == id {
			return true
		}
	}
	return false
}

func less(a, b *Message) bool {
	if a.Read != b.Read {
		return !a.Read
	}
	return a.Date.After(b.Date)
}

func (l *MessageList) sorted() bool {
	return sort.SliceIsSorted(l.messages, func(i, j int) bool {
		return less(l.messages[i], l.messages[j])
	})
}

func (l *MessageList) sort() {
	sort.SliceStable(l.messages, func(i, j int) bool {
		return less(l.messages[i], l.messages[j])
	})
}
