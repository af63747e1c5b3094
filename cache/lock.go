package cache

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// KeyLocks hands out mutexes keyed by value equality via lock striping:
// equal keys always map to the same stripe, so contention is observed
// across callers. Distinct keys may share a stripe, which adds contention
// but never breaks mutual exclusion. The stripes are independent of the
// cache content, eviction never invalidates a held lock.
type KeyLocks struct {
	once    sync.Once
	stripes []sync.Mutex
}

// LockFor returns the lock for key. The zero value of KeyLocks is ready to
// use.
func (kl *KeyLocks) LockFor(key string) sync.Locker {
	kl.once.Do(func() {
		kl.stripes = make([]sync.Mutex, lockStripes)
	})
	h := fnv.New32a()
	h.Write([]byte(key))
	return &kl.stripes[h.Sum32()%lockStripes]
}
