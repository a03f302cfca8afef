package journal

import "fmt"

// Journal records undo operations for in-memory state changes so that a
// failed unit of work can be rolled back. Ledger and bank mutations append
// their inverse here; the caller snapshots before a request and either
// reverts to the snapshot on error or resets after a successful commit.
//
// Not safe for concurrent use. Units of work are serialized by the owner.
type Journal struct {
	entries []func()
	valid   []int // snapshot id -> journal length at snapshot time
}

func New() *Journal {
	return &Journal{}
}

// Append records an undo function. Undo functions run in reverse order.
func (j *Journal) Append(undo func()) {
	j.entries = append(j.entries, undo)
}

// Snapshot returns an id that can later be passed to RevertToSnapshot.
func (j *Journal) Snapshot() int {
	id := len(j.valid)
	j.valid = append(j.valid, len(j.entries))
	return id
}

// RevertToSnapshot undoes every change recorded after the snapshot was taken
// and invalidates the snapshot and all later ones.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 || id >= len(j.valid) {
		panic(fmt.Errorf("journal: snapshot id %d cannot be reverted", id))
	}
	mark := j.valid[id]
	for i := len(j.entries) - 1; i >= mark; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:mark]
	j.valid = j.valid[:id]
}

// Reset drops all undo entries and snapshots. Called once changes are durable.
func (j *Journal) Reset() {
	j.entries = j.entries[:0]
	j.valid = j.valid[:0]
}

// Len returns the number of recorded undo entries.
func (j *Journal) Len() int {
	return len(j.entries)
}
