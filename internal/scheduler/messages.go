package scheduler

import (
	"time"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
)

// MsgKind discriminates the inbox protocol spec.md §4.6 describes as
// "GET_LATENCY, SET_STATE(...), plus whatever the generic sink protocol
// defines (render requests, rewind requests, max-request/rewind updates)".
type MsgKind int

const (
	MsgGetLatency MsgKind = iota
	MsgSetState
	MsgRewind
	MsgUpdateRequestedLatency
	MsgShutdown
)

// Message is one inbox entry. Reply, when non-nil, must be sent to exactly
// once by the loop before moving on to the next message — this is what
// makes GET_LATENCY and SET_STATE synchronous from the caller's point of
// view despite crossing the thread boundary via a channel.
type Message struct {
	Kind MsgKind

	// MsgSetState
	NewState state.State

	// MsgRewind — multiple rewinds arriving before the next iteration are
	// coalesced by the loop, with the largest prevailing (spec §5). Despite
	// the field name, the loop treats this value as a byte count.
	RewindFrames int

	// MsgUpdateRequestedLatency
	RequestedLatency time.Duration

	Reply chan Reply
}

// Reply carries a message's result back to the caller.
type Reply struct {
	Latency time.Duration
	Err     error
}

// reply sends r on msg.Reply if the caller asked for one (Reply != nil).
func reply(msg Message, r Reply) {
	if msg.Reply != nil {
		msg.Reply <- r
	}
}
