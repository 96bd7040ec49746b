package wire

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/chat-relay/frame"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		in       string
		platform string
		room     string
		ok       bool
	}{
		{"room:twitch/demo", "twitch", "demo", true},
		{"room:Twitch/Demo", "twitch", "Demo", true}, // platform normalized, room case kept
		{"room:youtube/UCabc123", "youtube", "UCabc123", true},
		{"room:twitch/", "", "", false},
		{"room:/demo", "", "", false},
		{"room:twitchdemo", "", "", false},
		{"chan:twitch/demo", "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		key, err := ParseTopic(c.in)
		if c.ok {
			if err != nil {
				t.Fatalf("%q: unexpected error %v", c.in, err)
			}
			if key.Platform != c.platform || key.Room != c.room {
				t.Fatalf("%q: got %+v", c.in, key)
			}
		} else if !errors.Is(err, ErrInvalidTopic) {
			t.Fatalf("%q: expected ErrInvalidTopic, got %v", c.in, err)
		}
	}
}

func TestTopicRoundTrip(t *testing.T) {
	key, err := ParseTopic("room:twitch/demo")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key.String() != "room:twitch/demo" {
		t.Fatalf("canonical form mismatch: %q", key.String())
	}
	if Topic("Twitch", "demo") != "room:twitch/demo" {
		t.Fatalf("Topic helper mismatch")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	resume := uint64(41)
	msg := &Message{
		Version: ProtocolVersion,
		Kind:    KindSubscribe,
		Subscribe: &Subscribe{Entries: []SubscribeEntry{
			{Topic: "room:twitch/demo", ResumeFrom: &resume},
			{Topic: "room:youtube/live"},
		}},
	}
	b, err := EncodeFrame(msg, frame.DefaultMaxFrame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, n, err := DecodeFrame(b, frame.DefaultMaxFrame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d", n, len(b))
	}
	if got.Kind != KindSubscribe || len(got.Subscribe.Entries) != 2 {
		t.Fatalf("unexpected decode: %+v", got)
	}
	e := got.Subscribe.Entries[0]
	if e.Topic != "room:twitch/demo" || e.ResumeFrom == nil || *e.ResumeFrom != 41 {
		t.Fatalf("entry mismatch: %+v", e)
	}
	if got.Subscribe.Entries[1].ResumeFrom != nil {
		t.Fatalf("nil resume cursor not preserved")
	}
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	msg := &Message{
		Version: ProtocolVersion,
		Kind:    KindEvent,
		Event: &EventEnvelope{
			Topic:        "room:twitch/demo",
			Cursor:       7,
			ServerTimeMs: 1700000000000,
			Payload: EventPayload{
				Kind: EventChat,
				Chat: &ChatMessage{
					ID:     "abc",
					User:   "viewer1",
					Text:   "hello",
					Badges: map[string]int{"subscriber": 12},
					Emotes: []Emote{{Name: "Kappa", ID: "25", Count: 2}},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg, frame.DefaultMaxFrame); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadMessage(bufio.NewReader(&buf), frame.DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env := got.Event
	if env == nil || env.Cursor != 7 || env.Payload.Chat == nil {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if env.Payload.Chat.Text != "hello" || env.Payload.Chat.Badges["subscriber"] != 12 {
		t.Fatalf("chat body mismatch: %+v", env.Payload.Chat)
	}
	if env.IsMarker() {
		t.Fatalf("chat event reported as marker")
	}
}

func TestLaggedEnvelopeIsMarker(t *testing.T) {
	env := LaggedEnvelope("room:twitch/demo", 3, "queue overflow", 1)
	if !env.IsMarker() || env.Cursor != 0 {
		t.Fatalf("marker invariant broken: %+v", env)
	}
}

// Older readers must be able to skip map keys added by newer writers. The
// sender struct here carries a field at key 99 that Message has never heard
// of; decoding must succeed and keep every known field intact.
func TestUnknownFieldsIgnored(t *testing.T) {
	future := struct {
		Version uint16 `cbor:"1,keyasint"`
		Kind    Kind   `cbor:"2,keyasint"`
		Ping    *Ping  `cbor:"11,keyasint,omitempty"`
		Extra   string `cbor:"99,keyasint"`
	}{
		Version: ProtocolVersion,
		Kind:    KindPing,
		Ping:    &Ping{ClientTimeMs: 5},
		Extra:   "added in a later protocol revision",
	}
	payload, err := cbor.Marshal(&future)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindPing || got.Ping == nil || got.Ping.ClientTimeMs != 5 {
		t.Fatalf("known fields lost: %+v", got)
	}
}

// A kind value this reader does not define must still decode; the caller
// decides whether to skip it.
func TestUnknownKindDecodes(t *testing.T) {
	future := struct {
		Version uint16 `cbor:"1,keyasint"`
		Kind    uint8  `cbor:"2,keyasint"`
	}{Version: ProtocolVersion, Kind: 200}
	payload, err := cbor.Marshal(&future)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != Kind(200) {
		t.Fatalf("kind = %d, want 200", got.Kind)
	}
	if got.Ping != nil || got.Event != nil || got.Subscribe != nil {
		t.Fatalf("unexpected body on unknown kind: %+v", got)
	}
}
