package wire

// EventKind discriminates the payload of an EventEnvelope.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventChat
	EventModeration
	EventRoomState
	EventUserNotice
	EventAssetBundle
	EventTopicLagged
)

// EventPayload is a tagged union; exactly one body matching Kind is set.
// Readers skip kinds they do not recognize.
type EventPayload struct {
	Kind       EventKind         `cbor:"1,keyasint"`
	Chat       *ChatMessage      `cbor:"2,keyasint,omitempty"`
	Moderation *ModerationAction `cbor:"3,keyasint,omitempty"`
	RoomState  *RoomState        `cbor:"4,keyasint,omitempty"`
	UserNotice *UserNotice       `cbor:"5,keyasint,omitempty"`
	Assets     *AssetBundle      `cbor:"6,keyasint,omitempty"`
	Lagged     *TopicLagged      `cbor:"7,keyasint,omitempty"`
}

// ChatMessage is one chat line as normalized by a platform adapter.
type ChatMessage struct {
	ID              string         `cbor:"1,keyasint,omitempty"`
	User            string         `cbor:"2,keyasint"`
	DisplayName     string         `cbor:"3,keyasint,omitempty"`
	Text            string         `cbor:"4,keyasint"`
	Color           string         `cbor:"5,keyasint,omitempty"`
	Badges          map[string]int `cbor:"6,keyasint,omitempty"`
	Emotes          []Emote        `cbor:"7,keyasint,omitempty"`
	ReplyToID       string         `cbor:"8,keyasint,omitempty"`
	ReplyToUser     string         `cbor:"9,keyasint,omitempty"`
	ReplyToMessage  string         `cbor:"10,keyasint,omitempty"`
	IsModerator     bool           `cbor:"11,keyasint,omitempty"`
	IsSubscriber    bool           `cbor:"12,keyasint,omitempty"`
}

// Emote is one emote occurrence within a chat message.
type Emote struct {
	ID    string `cbor:"1,keyasint,omitempty"`
	Name  string `cbor:"2,keyasint"`
	Count int    `cbor:"3,keyasint,omitempty"`
}

// ModerationKind enumerates moderation actions observed on a room.
type ModerationKind uint8

const (
	ModerationDelete ModerationKind = iota + 1
	ModerationTimeout
	ModerationBan
	ModerationClear
)

// ModerationAction is a moderation event observed on the platform side.
type ModerationAction struct {
	Kind            ModerationKind `cbor:"1,keyasint"`
	TargetUser      string         `cbor:"2,keyasint,omitempty"`
	TargetMessageID string         `cbor:"3,keyasint,omitempty"`
	DurationSeconds int            `cbor:"4,keyasint,omitempty"`
	Moderator       string         `cbor:"5,keyasint,omitempty"`
}

// RoomState describes room-level chat restrictions.
type RoomState struct {
	EmoteOnly        bool `cbor:"1,keyasint,omitempty"`
	SubscribersOnly  bool `cbor:"2,keyasint,omitempty"`
	FollowersOnlyMin int  `cbor:"3,keyasint,omitempty"`
	SlowSeconds      int  `cbor:"4,keyasint,omitempty"`
	UniqueOnly       bool `cbor:"5,keyasint,omitempty"`
}

// UserNotice is a platform announcement tied to a user (sub, raid, ...).
type UserNotice struct {
	NoticeType string `cbor:"1,keyasint"`
	User       string `cbor:"2,keyasint,omitempty"`
	Text       string `cbor:"3,keyasint,omitempty"`
	SystemText string `cbor:"4,keyasint,omitempty"`
}

// Asset is one downloadable emote/badge asset reference.
type Asset struct {
	ID   string `cbor:"1,keyasint,omitempty"`
	Name string `cbor:"2,keyasint"`
	URL  string `cbor:"3,keyasint"`
}

// AssetBundle announces a set of asset references for a room. Fetching and
// caching the assets themselves is the client's concern.
type AssetBundle struct {
	Scope  string  `cbor:"1,keyasint,omitempty"`
	Assets []Asset `cbor:"2,keyasint"`
}

// TopicLagged marks a visible gap in a subscriber's view of a topic, either
// from replay exhaustion or from a full delivery queue.
type TopicLagged struct {
	Dropped uint64 `cbor:"1,keyasint,omitempty"`
	Detail  string `cbor:"2,keyasint,omitempty"`
}

// LaggedEnvelope builds a marker envelope for topic. Markers carry cursor 0;
// they hold no position in the topic's cursor sequence.
func LaggedEnvelope(topic string, dropped uint64, detail string, serverTimeMs int64) EventEnvelope {
	return EventEnvelope{
		Topic:        topic,
		ServerTimeMs: serverTimeMs,
		Payload: EventPayload{
			Kind:   EventTopicLagged,
			Lagged: &TopicLagged{Dropped: dropped, Detail: detail},
		},
	}
}

// IsMarker reports whether the envelope is an out-of-band marker rather than
// a published event with a cursor position.
func (e *EventEnvelope) IsMarker() bool {
	return e.Payload.Kind == EventTopicLagged
}
