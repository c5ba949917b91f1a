package ari

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Event {
	t.Helper()
	ev, err := ParseEvent([]byte(raw))
	require.NoError(t, err)
	return ev
}

func TestChannelIDSources(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"channel object", `{"type":"ChannelDtmfReceived","digit":"5","channel":{"id":"c1"}}`, "c1"},
		{"recording target", `{"type":"RecordingFinished","recording":{"name":"voicemail/1/x","target_uri":"channel:c2","duration":7}}`, "c2"},
		{"playback target", `{"type":"PlaybackFinished","playback":{"id":"p","media_uri":"sound:vm-intro","target_uri":"channel:c3"}}`, "c3"},
		{"bridge target", `{"type":"PlaybackFinished","playback":{"id":"p","target_uri":"bridge:b1"}}`, ""},
		{"no identity", `{"type":"StasisEnd"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustParse(t, tt.raw).ChannelID())
		})
	}
}

func TestParseStasisStart(t *testing.T) {
	ev := mustParse(t, `{"type":"StasisStart","application":"voicemail-main","args":["example.com","1000","authorized"],
		"channel":{"id":"c1","caller":{"name":"Alice","number":"555"}}}`)
	assert.Equal(t, EventStasisStart, ev.Type)
	assert.Equal(t, []string{"example.com", "1000", "authorized"}, ev.Args)
	assert.Equal(t, "Alice", ev.Channel.Caller.Name)

	_, err := ParseEvent([]byte("{"))
	assert.Error(t, err)
}

func TestRouterFiltersByChannel(t *testing.T) {
	var started []string
	r := NewRouter(func(ev *Event) { started = append(started, ev.ChannelID()) })

	var got1, got2 []string
	sub1 := r.Subscribe("c1", func(ev *Event) { got1 = append(got1, ev.Digit) })
	r.Subscribe("c2", func(ev *Event) { got2 = append(got2, ev.Digit) })

	r.Dispatch(mustParse(t, `{"type":"StasisStart","channel":{"id":"c9"}}`))
	r.Dispatch(mustParse(t, `{"type":"ChannelDtmfReceived","digit":"1","channel":{"id":"c1"}}`))
	r.Dispatch(mustParse(t, `{"type":"ChannelDtmfReceived","digit":"2","channel":{"id":"c2"}}`))
	r.Dispatch(mustParse(t, `{"type":"ChannelDtmfReceived","digit":"3","channel":{"id":"c3"}}`))

	assert.Equal(t, []string{"c9"}, started)
	assert.Equal(t, []string{"1"}, got1)
	assert.Equal(t, []string{"2"}, got2)
	assert.Equal(t, 2, r.Active())

	sub1.Unsubscribe()
	sub1.Unsubscribe()
	r.Dispatch(mustParse(t, `{"type":"ChannelDtmfReceived","digit":"4","channel":{"id":"c1"}}`))
	assert.Equal(t, []string{"1"}, got1)
	assert.Equal(t, 1, r.Active())
	assert.Equal(t, "c1", sub1.ChannelID())
}

func TestRouterRecoversFromPanics(t *testing.T) {
	r := NewRouter(nil)
	calls := 0
	r.Subscribe("c1", func(*Event) { panic("bad handler") })
	r.Subscribe("c1", func(*Event) { calls++ })

	assert.NotPanics(t, func() {
		r.Dispatch(mustParse(t, `{"type":"ChannelHangupRequest","channel":{"id":"c1"}}`))
		r.Dispatch(mustParse(t, `{"type":"StasisStart","channel":{"id":"c1"}}`))
	})
	assert.Equal(t, 1, calls)
}
