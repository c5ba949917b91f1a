package ari

import (
	"encoding/json"
	"strings"
)

// Event types consumed by the voicemail applications.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelDtmfReceived  = "ChannelDtmfReceived"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventRecordingStarted     = "RecordingStarted"
	EventRecordingFinished    = "RecordingFinished"
	EventRecordingFailed      = "RecordingFailed"
	EventPlaybackStarted      = "PlaybackStarted"
	EventPlaybackFinished     = "PlaybackFinished"
)

const channelScheme = "channel:"

// CallerID is the caller identity of a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the subset of the ARI channel model used here.
type Channel struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Caller CallerID `json:"caller"`
}

// LiveRecording is an in-progress or just finished recording.
type LiveRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	TargetURI string `json:"target_uri"`
	Duration  int    `json:"duration"` // seconds, set once finished
	Cause     string `json:"cause,omitempty"`
}

// Playback is a media playback on a channel.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// MailboxState is the ARI mailbox resource behind the waiting indicator.
type MailboxState struct {
	Name        string `json:"name"`
	OldMessages int    `json:"old_messages"`
	NewMessages int    `json:"new_messages"`
}

// Event is a decoded message of the ARI event websocket.
type Event struct {
	Type        string         `json:"type"`
	Application string         `json:"application"`
	Timestamp   string         `json:"timestamp"`
	Args        []string       `json:"args,omitempty"`
	Digit       string         `json:"digit,omitempty"`
	DurationMs  int            `json:"duration_ms,omitempty"`
	Channel     *Channel       `json:"channel,omitempty"`
	Recording   *LiveRecording `json:"recording,omitempty"`
	Playback    *Playback      `json:"playback,omitempty"`
}

// ParseEvent decodes one websocket message.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ChannelID returns the channel an event belongs to, taken from the channel
// object or from a "channel:<id>" target URI.
func (e *Event) ChannelID() string {
	if e.Channel != nil && e.Channel.ID != "" {
		return e.Channel.ID
	}
	if e.Recording != nil {
		if id, ok := strings.CutPrefix(e.Recording.TargetURI, channelScheme); ok {
			return id
		}
	}
	if e.Playback != nil {
		if id, ok := strings.CutPrefix(e.Playback.TargetURI, channelScheme); ok {
			return id
		}
	}
	return ""
}
