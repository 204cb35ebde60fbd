// Package realm defines the client-side surface of the realm API: the
// inbound char-event stream, the outbound messaging channel, and the
// world-mutation capabilities of a controlled character.
//
// The concierge kernel only ever talks to these interfaces; the concrete
// WebSocket client lives in [Client] and scripted fakes for tests live in
// the mock sub-package.
package realm

import "context"

// EventKind distinguishes how an inbound message was delivered.
type EventKind string

const (
	// EventAddress is a message spoken to a specific character in the room.
	EventAddress EventKind = "address"

	// EventWhisper is a private message only the target can see.
	EventWhisper EventKind = "whisper"
)

// Char identifies a realm character. Characters are owned by the realm;
// the concierge only ever reads them.
type Char struct {
	// ID is the stable character identifier (20 word characters).
	ID string

	// Name and Surname are the display name parts used in generated text.
	Name    string
	Surname string
}

// FullName returns "Name Surname" for use in exit keys and messages.
func (c Char) FullName() string {
	if c.Surname == "" {
		return c.Name
	}
	return c.Name + " " + c.Surname
}

// CharEvent is one inbound message observed by a controlled character.
type CharEvent struct {
	Kind   EventKind
	Char   Char // sender
	Target Char // addressee
	Msg    string
}

// EventHandler consumes one char event. self is the controlled character
// that observed the event. ctx is cancelled when the event source shuts
// down; handlers that block (rate-limited replies) must honour it.
type EventHandler func(ctx context.Context, self Char, ev CharEvent)

// EventSource fans inbound char events out to subscribers.
// Implementations must be safe for concurrent use.
type EventSource interface {
	// Subscribe registers h and returns a function that removes the
	// subscription. The returned function is idempotent.
	Subscribe(h EventHandler) (unsubscribe func())
}

// Messenger enqueues outbound player-visible messages. The realm side
// maintains its own ordered output queue; priority only affects ordering
// within that queue.
type Messenger interface {
	// Address speaks to the character identified by toID. When pose is true
	// the message is delivered as an emote rather than quoted speech.
	Address(ctx context.Context, toID, msg string, pose bool, priority int) error
}

// ExitParams describes an exit to create or reconfigure.
type ExitParams struct {
	// Keys are the travel keywords that trigger the exit.
	Keys []string

	// Name is the display name of the exit.
	Name string

	LeaveMsg  string
	ArriveMsg string
	TravelMsg string

	// Hidden exits are not listed in the room description.
	Hidden bool

	// TargetRoomID, when set, links the exit to an existing room instead of
	// letting the realm create a fresh one.
	TargetRoomID string
}

// ExitInfo is the realm's description of a created exit.
type ExitInfo struct {
	ID           string
	TargetRoomID string
}

// AreaInfo is the realm's description of an area.
type AreaInfo struct {
	ID string
}

// WorldAPI is the capability surface of a controlled character. Every call
// round-trips to the realm and may be rejected; callers must treat any
// error as a hard step failure.
type WorldAPI interface {
	// UseExit moves the character through the exit with the given key.
	UseExit(ctx context.Context, exitKey string) error

	// CreateArea creates a child area under parentID and returns it.
	CreateArea(ctx context.Context, name, parentID string) (AreaInfo, error)

	// SetLocation assigns the character's current room to a location.
	SetLocation(ctx context.Context, locationID, locationType string, private bool) error

	// CreateExit creates an exit from the character's current room.
	CreateExit(ctx context.Context, p ExitParams) (ExitInfo, error)

	// SetRoom renames and redescribes the character's current room.
	SetRoom(ctx context.Context, name, desc, areaID string) error

	// SetExit reconfigures an existing exit of the current room.
	SetExit(ctx context.Context, exitKey string, p ExitParams) error

	// RequestSetRoomOwner asks the realm to offer room ownership to charID.
	RequestSetRoomOwner(ctx context.Context, roomID, charID string) error

	// RequestSetAreaOwner asks the realm to offer area ownership to charID.
	RequestSetAreaOwner(ctx context.Context, areaID, charID string) error

	// CurrentArea returns the area of the room the character stands in.
	CurrentArea(ctx context.Context) (AreaInfo, error)

	// TeleportHome returns the character to its home room.
	TeleportHome(ctx context.Context) error

	// Address speaks directly, bypassing the outbound queue. Used inside the
	// provisioning pipeline where pacing is handled explicitly.
	Address(ctx context.Context, toID, msg string, pose bool) error
}

// CharSource resolves a controlled character to its capability surface.
// Resolution fails with [ErrNotControlled] when control has been lost.
type CharSource interface {
	Char(id string) (WorldAPI, error)
}
