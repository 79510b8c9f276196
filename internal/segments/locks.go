package segments

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes work per key while allowing different keys to proceed
// concurrently. Entries are refcounted and removed when the last holder
// releases, so the map does not grow with the user population.
type keyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	km := &keyedMutex{}
	for i := range km.shards {
		km.shards[i].entries = make(map[string]*lockEntry)
	}
	return km
}

func (km *keyedMutex) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &km.shards[h.Sum32()%lockShards]
}

// Lock acquires the mutex for key, creating it on first use.
func (km *keyedMutex) Lock(key string) {
	s := km.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &lockEntry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key and drops the entry when unused.
func (km *keyedMutex) Unlock(key string) {
	s := km.shard(key)

	s.mu.Lock()
	e := s.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	e.mu.Unlock()
}
