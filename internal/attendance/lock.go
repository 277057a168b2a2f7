package attendance

import (
	"fmt"
	"sync"
)

// keyedMutex serializes work per (teacher, date) key. Entries are created on
// demand and removed once the last holder releases, so the map stays bounded
// by in-flight work.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its release func. The release
// must be called exactly once, typically via defer.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func recordKey(teacherID int64, date string) string {
	return fmt.Sprintf("%d:%s", teacherID, date)
}
