package provision

import "github.com/xetem/cinnabar-concierge/internal/realm"

// Request is the immutable outcome of one completed dialogue, consumed
// exactly once by the sequencer's createApartment handler.
type Request struct {
	// ActorID is the controlled concierge character that performs the build.
	ActorID string

	// Requester is the character leasing the apartment.
	Requester realm.Char

	// Unit is the unit identifier to issue. Empty means the pipeline draws
	// one from the counter (and rolls it back on failure).
	Unit string

	// ExistingRoomID, when non-empty, attaches the requester's own room as
	// the apartment instead of building a fresh one.
	ExistingRoomID string
}
