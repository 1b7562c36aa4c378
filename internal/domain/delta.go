package domain

// Op describes what happened to an entity.
type Op string

const (
	OpAdded     Op = "added"
	OpUpdated   Op = "updated"
	OpRemoved   Op = "removed"
	OpTransient Op = "transient" // typing and similar, no state change
	OpCompleted Op = "completed" // action acknowledged
	OpFailed    Op = "failed"    // action failed
)

// Entity is the kind of thing a Change refers to.
type Entity string

const (
	EntityGuild   Entity = "guild"
	EntityChannel Entity = "channel"
	EntityMessage Entity = "message"
	EntityMember  Entity = "member"
	EntityProfile Entity = "profile"
	EntityTyping  Entity = "typing"
	EntityAction  Entity = "action"
	EntitySession Entity = "session"
)

// Change is one entry in a Delta. ID is the entity id (user id for members,
// profiles and typing, state name for session changes).
type Change struct {
	Op            Op
	Entity        Entity
	GuildID       string
	ChannelID     string
	ID            string
	CorrelationID string
	Detail        string
}

// Delta is the minimal description of what one mutation did to the cache.
// Version is the snapshot version after the mutation; a subscriber that sees
// a gap should re-read the snapshot.
type Delta struct {
	Version  uint64
	Cursor   Cursor
	Changes  []Change
	Warnings []ConsistencyWarning
}

// Empty reports whether the delta carries nothing for subscribers.
func (d Delta) Empty() bool {
	return len(d.Changes) == 0 && len(d.Warnings) == 0
}

// Add appends a change.
func (d *Delta) Add(c Change) {
	d.Changes = append(d.Changes, c)
}

// Warn appends a consistency warning.
func (d *Delta) Warn(w ConsistencyWarning) {
	d.Warnings = append(d.Warnings, w)
}
