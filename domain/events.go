package domain

// Op identifies the mutation an event refers to.
type Op string

const (
	OpSend           Op = "send"
	OpEdit           Op = "edit"
	OpDelete         Op = "delete"
	OpReactionAdd    Op = "reaction_add"
	OpReactionRemove Op = "reaction_remove"
)

// Event is a notification emitted by the core. External collaborators
// receive events through per-room subscriptions; no process-wide
// notification bus exists.
type Event interface {
	EventRoom() string
}

// MessagesUpdated carries a fresh snapshot of the room's ordered
// sequence, published after every successful local mutation or merge.
type MessagesUpdated struct {
	RoomID   string
	Messages []Message
}

func (e MessagesUpdated) EventRoom() string { return e.RoomID }

// ReactionsUpdated carries a recomputed summary for one message.
type ReactionsUpdated struct {
	RoomID  string
	Ref     MessageRef
	Summary ReactionSummary
}

func (e ReactionsUpdated) EventRoom() string { return e.RoomID }

// MutationFailed reports a terminal remote failure for one specific
// mutation. The failed record stays visible in its failed state.
type MutationFailed struct {
	RoomID string
	Ref    MessageRef
	Op     Op
	Err    error
}

func (e MutationFailed) EventRoom() string { return e.RoomID }

// SyncFailed reports a failed incremental fetch. The last merged state
// stays visible.
type SyncFailed struct {
	RoomID string
	Err    error
}

func (e SyncFailed) EventRoom() string { return e.RoomID }
