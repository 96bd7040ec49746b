// Package adapter defines the platform adapter contract and the manager that
// supervises one adapter task per platform, merging their events into a
// single ingest source and routing commands, auth updates, and room
// membership to the owning platform.
package adapter

import (
	"context"
	"time"

	"github.com/onnwee/chat-relay/wire"
)

// ControlKind discriminates control messages sent to an adapter.
type ControlKind uint8

const (
	ControlJoin ControlKind = iota + 1
	ControlLeave
	ControlUpdateAuth
	ControlCommand
	ControlQueryPermissions
)

// Control is one instruction to an adapter task. Room is set for Join/Leave,
// Token for UpdateAuth, Command/Perms for their respective kinds. Shutdown is
// signaled by context cancellation, not a control message.
type Control struct {
	Kind    ControlKind
	Room    string
	Token   string
	Command *CommandEnvelope
	Perms   *PermissionsQuery
}

// CommandEnvelope pairs a command with its reply channel. The reply channel
// is buffered; adapters send exactly one result and never block on it.
type CommandEnvelope struct {
	Request wire.CommandRequest
	Reply   chan wire.CommandResult
}

// PermissionsQuery asks the adapter what the configured identity may do in a
// room. The reply channel is buffered for one response.
type PermissionsQuery struct {
	Room  string
	Reply chan Permissions
}

// Permissions describes the adapter identity's capabilities in a room.
type Permissions struct {
	CanSend     bool
	CanModerate bool
	Detail      string
}

// ItemKind discriminates adapter output.
type ItemKind uint8

const (
	ItemIngest ItemKind = iota + 1
	ItemStatus
)

// Item is one unit of adapter output: either a canonical ingest event or a
// status report. Status items feed observability only, never clients.
type Item struct {
	Kind   ItemKind
	Ingest *Ingest
	Status *Status
}

// Trace carries adapter-local diagnostics attached to an ingest event. It is
// forwarded unchanged; nothing downstream depends on it.
type Trace struct {
	SessionID string
	Seq       uint64
	Fields    map[string]string
}

// Ingest is one canonical event produced by an adapter, before the router
// stamps it with a topic cursor.
type Ingest struct {
	Platform     string
	Room         string
	Payload      wire.EventPayload
	IngestedAt   time.Time
	PlatformTime *time.Time
	Trace        Trace
}

// ConnState is an adapter's reported connection state.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// Status reports an adapter's connection state change.
type Status struct {
	Platform string
	State    ConnState
	Detail   string
}

// Adapter is implemented once per streaming platform. Run consumes control
// messages and emits Items until ctx is canceled; it owns reconnection to the
// platform and must not close out.
type Adapter interface {
	Platform() string
	Run(ctx context.Context, control <-chan Control, out chan<- Item) error
}

// IngestItem wraps an Ingest as an Item.
func IngestItem(in Ingest) Item { return Item{Kind: ItemIngest, Ingest: &in} }

// StatusItem wraps a Status as an Item.
func StatusItem(st Status) Item { return Item{Kind: ItemStatus, Status: &st} }
