package types

import "sync"

// ShardID is an interned handle for a shard identifier string. The zero
// value is invalid. String shard identifiers are only used at the cluster
// boundary; inside the engine shards are passed around as handles.
type ShardID uint32

// ShardTable interns shard identifier strings. Handles are stable for the
// lifetime of the table. Safe for concurrent use.
type ShardTable struct {
	mut     sync.RWMutex
	byName  map[string]ShardID
	strings []string
}

func NewShardTable() *ShardTable {
	return &ShardTable{byName: make(map[string]ShardID)}
}

// Intern returns the handle for name, allocating one if the name has not
// been seen before.
func (t *ShardTable) Intern(name string) ShardID {
	t.mut.RLock()
	id, ok := t.byName[name]
	t.mut.RUnlock()
	if ok {
		return id
	}

	t.mut.Lock()
	defer t.mut.Unlock()
	if id, ok := t.byName[name]; ok {
		return id
	}
	t.strings = append(t.strings, name)
	id = ShardID(len(t.strings)) // handles start at 1
	t.byName[name] = id
	return id
}

// Lookup returns the handle for name without allocating.
func (t *ShardTable) Lookup(name string) (ShardID, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()
	id, ok := t.byName[name]
	return id, ok
}

// String converts a handle back to its shard identifier string. It returns
// the empty string for unknown handles.
func (t *ShardTable) String(id ShardID) string {
	t.mut.RLock()
	defer t.mut.RUnlock()
	if id == 0 || int(id) > len(t.strings) {
		return ""
	}
	return t.strings[id-1]
}

// Len returns the number of interned shards.
func (t *ShardTable) Len() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.strings)
}
