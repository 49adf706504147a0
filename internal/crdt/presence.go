package crdt

// PresenceEntry is one participant's selection register. Only the owning
// participant ever writes its key, so merge conflicts reduce to discarding
// stale writes by the same owner.
type PresenceEntry struct {
	Actor string `json:"actor"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Color string `json:"color"`
	Clock uint64 `json:"clock"`
}

func (entry PresenceEntry) newerThan(other PresenceEntry) bool {
	if entry.Clock != other.Clock {
		return entry.Clock > other.Clock
	}
	return entry.Actor > other.Actor
}

// PresenceMap holds last-writer-wins selection registers keyed by actor.
type PresenceMap struct {
	entries map[string]PresenceEntry
	clock   uint64
}

// NewPresenceMap returns an empty presence map.
func NewPresenceMap() *PresenceMap {
	return &PresenceMap{entries: make(map[string]PresenceEntry)}
}

// Set records the local participant's selection and returns the entry to
// publish.
func (presence *PresenceMap) Set(actor string, start, end int, color string) PresenceEntry {
	presence.clock++
	entry := PresenceEntry{
		Actor: actor,
		Start: start,
		End:   end,
		Color: color,
		Clock: presence.clock,
	}
	presence.entries[actor] = entry
	return entry
}

// Merge applies a remote entry, keeping the newer register per actor. It
// reports whether the map changed.
func (presence *PresenceMap) Merge(entry PresenceEntry) bool {
	if entry.Actor == "" {
		return false
	}
	if entry.Clock > presence.clock {
		presence.clock = entry.Clock
	}
	existing, ok := presence.entries[entry.Actor]
	if ok && !entry.newerThan(existing) {
		return false
	}
	presence.entries[entry.Actor] = entry
	return true
}

// Remove drops an actor's register, reporting whether it was present.
func (presence *PresenceMap) Remove(actor string) bool {
	if _, ok := presence.entries[actor]; !ok {
		return false
	}
	delete(presence.entries, actor)
	return true
}

// Get returns the register for actor.
func (presence *PresenceMap) Get(actor string) (PresenceEntry, bool) {
	entry, ok := presence.entries[actor]
	return entry, ok
}

// Entries returns a copy of all registers.
func (presence *PresenceMap) Entries() map[string]PresenceEntry {
	copied := make(map[string]PresenceEntry, len(presence.entries))
	for actor, entry := range presence.entries {
		copied[actor] = entry
	}
	return copied
}
