// Package wire defines the versioned message set exchanged between relay
// server and clients, the topic addressing scheme, and the binary codec.
//
// Messages are encoded as CBOR maps keyed by small integers so older readers
// can skip fields and variants they do not know. Each frame on the control
// stream carries exactly one Message; the event stream carries only
// EventEnvelope messages.
package wire

// ProtocolVersion is bumped when a change is not ignorable by older readers.
const ProtocolVersion = 1

// CodecName identifies the payload encoding negotiated in Welcome.
const CodecName = "cbor"

// Kind discriminates the body of a Message envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHello
	KindWelcome
	KindSubscribe
	KindSubscribed
	KindUnsubscribe
	KindUnsubscribeResult
	KindCommand
	KindCommandResult
	KindPing
	KindPong
	KindClosing
	KindEvent
)

// Message is the single wire envelope. Exactly one body pointer matching Kind
// is set; unknown kinds and extra fields are skipped by older readers.
type Message struct {
	Version           uint16             `cbor:"1,keyasint"`
	Kind              Kind               `cbor:"2,keyasint"`
	Hello             *Hello             `cbor:"3,keyasint,omitempty"`
	Welcome           *Welcome           `cbor:"4,keyasint,omitempty"`
	Subscribe         *Subscribe         `cbor:"5,keyasint,omitempty"`
	Subscribed        *Subscribed        `cbor:"6,keyasint,omitempty"`
	Unsubscribe       *Unsubscribe       `cbor:"7,keyasint,omitempty"`
	UnsubscribeResult *UnsubscribeResult `cbor:"8,keyasint,omitempty"`
	Command           *Command           `cbor:"9,keyasint,omitempty"`
	CommandResult     *CommandResult     `cbor:"10,keyasint,omitempty"`
	Ping              *Ping              `cbor:"11,keyasint,omitempty"`
	Pong              *Pong              `cbor:"12,keyasint,omitempty"`
	Closing           *Closing           `cbor:"13,keyasint,omitempty"`
	Event             *EventEnvelope     `cbor:"14,keyasint,omitempty"`
}

// Hello opens the handshake. Token is optional unless the server requires auth.
type Hello struct {
	ProtocolVersion uint16 `cbor:"1,keyasint"`
	ClientName      string `cbor:"2,keyasint,omitempty"`
	Token           string `cbor:"3,keyasint,omitempty"`
}

// Welcome completes the handshake and pins the negotiated limits.
type Welcome struct {
	ServerName    string `cbor:"1,keyasint"`
	InstanceID    string `cbor:"2,keyasint"`
	ServerTimeMs  int64  `cbor:"3,keyasint"`
	MaxFrameBytes uint32 `cbor:"4,keyasint"`
	Codec         string `cbor:"5,keyasint"`
}

// SubscribeEntry is one requested topic with an optional resume cursor.
type SubscribeEntry struct {
	Topic      string  `cbor:"1,keyasint"`
	ResumeFrom *uint64 `cbor:"2,keyasint,omitempty"`
}

// Subscribe requests membership in one or more topics.
type Subscribe struct {
	Entries []SubscribeEntry `cbor:"1,keyasint"`
}

// SubscribeStatus is the per-topic outcome of a Subscribe.
type SubscribeStatus uint8

const (
	SubscribeOK SubscribeStatus = iota + 1
	SubscribeInvalidTopic
	SubscribeReplayNotAvailable
)

// SubscribeResult reports the outcome for one requested topic. CurrentCursor
// is the newest cursor the server has published for the topic (0 if none).
type SubscribeResult struct {
	Topic         string          `cbor:"1,keyasint"`
	Status        SubscribeStatus `cbor:"2,keyasint"`
	CurrentCursor uint64          `cbor:"3,keyasint,omitempty"`
	Detail        string          `cbor:"4,keyasint,omitempty"`
}

// Subscribed answers a Subscribe, one result per requested entry, in order.
type Subscribed struct {
	Results []SubscribeResult `cbor:"1,keyasint"`
}

// Unsubscribe requests leaving one or more topics.
type Unsubscribe struct {
	Topics []string `cbor:"1,keyasint"`
}

// UnsubscribeStatus is the per-topic outcome of an Unsubscribe.
type UnsubscribeStatus uint8

const (
	UnsubscribeOK UnsubscribeStatus = iota + 1
	UnsubscribeNotSubscribed
	UnsubscribeInvalidTopic
)

// UnsubscribeEntryResult reports the outcome for one topic.
type UnsubscribeEntryResult struct {
	Topic  string            `cbor:"1,keyasint"`
	Status UnsubscribeStatus `cbor:"2,keyasint"`
	Detail string            `cbor:"3,keyasint,omitempty"`
}

// UnsubscribeResult answers an Unsubscribe.
type UnsubscribeResult struct {
	Results []UnsubscribeEntryResult `cbor:"1,keyasint"`
}

// CommandKind enumerates client-issued chat/moderation actions.
type CommandKind uint8

const (
	CommandSendMessage CommandKind = iota + 1
	CommandDeleteMessage
	CommandTimeoutUser
	CommandBanUser
	CommandUnbanUser
)

// CommandRequest is one moderation/chat action addressed to a platform room.
type CommandRequest struct {
	Platform        string      `cbor:"1,keyasint"`
	Room            string      `cbor:"2,keyasint"`
	Kind            CommandKind `cbor:"3,keyasint"`
	Text            string      `cbor:"4,keyasint,omitempty"`
	TargetUser      string      `cbor:"5,keyasint,omitempty"`
	TargetMessageID string      `cbor:"6,keyasint,omitempty"`
	DurationSeconds int         `cbor:"7,keyasint,omitempty"`
}

// Command wraps a single CommandRequest.
type Command struct {
	Request CommandRequest `cbor:"1,keyasint"`
}

// CommandStatus is the definitive outcome of a command.
type CommandStatus uint8

const (
	CommandOK CommandStatus = iota + 1
	CommandRejected
	CommandNotSupported
	CommandInternal
)

// CommandResult answers a Command. Every command produces exactly one result;
// adapter timeouts and closed channels surface as CommandInternal, never as a
// silent drop.
type CommandResult struct {
	Status CommandStatus `cbor:"1,keyasint"`
	Detail string        `cbor:"2,keyasint,omitempty"`
}

// Ping carries the client clock for RTT measurement.
type Ping struct {
	ClientTimeMs int64 `cbor:"1,keyasint,omitempty"`
}

// Pong echoes the client clock and adds the server clock.
type Pong struct {
	ClientTimeMs int64 `cbor:"1,keyasint,omitempty"`
	ServerTimeMs int64 `cbor:"2,keyasint"`
}

// Closing announces an orderly shutdown of the session by either side.
type Closing struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// EventEnvelope is one published event on the event stream. Cursor is
// strictly increasing per topic; marker events (TopicLagged) carry cursor 0
// because they occupy no position in the topic's sequence.
type EventEnvelope struct {
	Topic        string       `cbor:"1,keyasint"`
	Cursor       uint64       `cbor:"2,keyasint,omitempty"`
	ServerTimeMs int64        `cbor:"3,keyasint"`
	Payload      EventPayload `cbor:"4,keyasint"`
}
