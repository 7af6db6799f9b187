package digestlock

import (
	"sync"

	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
)

// Arena hands out one mutex per digest so concurrent ingestions of the
// same content serialize while distinct digests proceed independently.
// Locks are created lazily and reclaimed once nobody holds or waits on
// them, so the arena does not grow with the total number of digests
// ever ingested.
type Arena struct {
	mu    sync.Mutex
	locks map[blobstore.Digest]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refCount int
}

func NewArena() *Arena {
	return &Arena{
		locks: make(map[blobstore.Digest]*lockEntry),
	}
}

// Lock blocks until the caller holds the digest's mutex.
func (a *Arena) Lock(digest blobstore.Digest) {
	a.mu.Lock()
	entry, ok := a.locks[digest]
	if !ok {
		entry = &lockEntry{}
		a.locks[digest] = entry
	}
	entry.refCount++
	a.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the digest's mutex and drops the lock entry when it
// was the last holder.
func (a *Arena) Unlock(digest blobstore.Digest) {
	a.mu.Lock()
	entry, ok := a.locks[digest]
	if !ok {
		a.mu.Unlock()
		panic("digestlock: unlock of unheld digest")
	}
	entry.refCount--
	if entry.refCount == 0 {
		delete(a.locks, digest)
	}
	a.mu.Unlock()

	entry.mu.Unlock()
}

// Len reports the number of live lock entries.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
