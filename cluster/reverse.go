package cluster

import (
	"encoding/json"
	"hash/fnv"
	"sync"
)

const reverseLockStripes = 128

// reverseMap is the shared node -> set-of-keys index maintained by the
// listeners below. Mutations for a single key are serialized through a
// striped per-key lock so that concurrent cache events for different keys
// do not block each other, while events for the same key can never
// interleave their read-reconcile-write cycles.
type reverseMap struct {
	stripes [reverseLockStripes]sync.Mutex

	mu     sync.RWMutex
	owners map[NodeID]map[string]struct{}
}

func newReverseMap() *reverseMap {
	return &reverseMap{owners: make(map[NodeID]map[string]struct{})}
}

func (r *reverseMap) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.stripes[h.Sum32()%reverseLockStripes]
}

func (r *reverseMap) add(node NodeID, key string) {
	set, ok := r.owners[node]
	if !ok {
		set = make(map[string]struct{})
		r.owners[node] = set
	}
	set[key] = struct{}{}
}

func (r *reverseMap) remove(node NodeID, key string) {
	set, ok := r.owners[node]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.owners, node)
	}
}

func (r *reverseMap) dropNode(node NodeID) {
	r.mu.Lock()
	delete(r.owners, node)
	r.mu.Unlock()
}

// KeysForNode answers "what does node own" without scanning the cache.
func (r *reverseMap) KeysForNode(node NodeID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.owners[node]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a deep copy of the whole reverse map.
func (r *reverseMap) Snapshot() map[NodeID][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[NodeID][]string, len(r.owners))
	for node, set := range r.owners {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		out[node] = keys
	}
	return out
}

// UniqueOwnerListener maintains a reverse map where every key belongs to
// exactly one node at a time. An add and an update are treated identically:
// the reporting node becomes the sole owner, which makes the map converge
// regardless of delivery order.
type UniqueOwnerListener struct {
	cacheName string
	*reverseMap
}

func NewUniqueOwnerListener(cacheName string) *UniqueOwnerListener {
	return &UniqueOwnerListener{cacheName: cacheName, reverseMap: newReverseMap()}
}

func (l *UniqueOwnerListener) CacheName() string { return l.cacheName }

func (l *UniqueOwnerListener) HandleEntryEvent(event EntryEvent) {
	switch event.Type {
	case EntryAdded, EntryUpdated:
		lock := l.keyLock(event.Key)
		lock.Lock()
		defer lock.Unlock()
		l.mu.Lock()
		for node := range l.owners {
			if node != event.Node {
				l.remove(node, event.Key)
			}
		}
		l.add(event.Node, event.Key)
		l.mu.Unlock()

	case EntryRemoved, EntryEvicted:
		lock := l.keyLock(event.Key)
		lock.Lock()
		defer lock.Unlock()
		l.mu.Lock()
		l.remove(event.Node, event.Key)
		l.mu.Unlock()

	case MapCleared, MapEvicted:
		l.dropNode(event.Node)
	}
}

// OwnerFunc derives the set of owning nodes from a cache value.
type OwnerFunc func(value json.RawMessage) []NodeID

// MultiOwnerListener maintains a reverse map where a key may be owned by
// several nodes at once; ownership is derived from the cache value via the
// injected OwnerFunc (f.e. an occupant list naming the nodes the occupants
// are connected through).
type MultiOwnerListener struct {
	cacheName string
	owners    OwnerFunc
	*reverseMap
}

func NewMultiOwnerListener(cacheName string, owners OwnerFunc) *MultiOwnerListener {
	return &MultiOwnerListener{cacheName: cacheName, owners: owners, reverseMap: newReverseMap()}
}

func (l *MultiOwnerListener) CacheName() string { return l.cacheName }

func (l *MultiOwnerListener) HandleEntryEvent(event EntryEvent) {
	switch event.Type {
	case EntryAdded:
		fresh := l.owners(event.Value)
		lock := l.keyLock(event.Key)
		lock.Lock()
		defer lock.Unlock()
		l.mu.Lock()
		for _, node := range fresh {
			l.add(node, event.Key)
		}
		l.mu.Unlock()

	case EntryUpdated:
		fresh := l.owners(event.Value)
		freshSet := make(map[NodeID]struct{}, len(fresh))
		for _, node := range fresh {
			freshSet[node] = struct{}{}
		}
		lock := l.keyLock(event.Key)
		lock.Lock()
		defer lock.Unlock()
		l.mu.Lock()
		// nodes no longer in the freshly computed set lose the key
		for node := range l.reverseMap.owners {
			if _, ok := freshSet[node]; !ok {
				l.remove(node, event.Key)
			}
		}
		for node := range freshSet {
			l.add(node, event.Key)
		}
		l.mu.Unlock()

	case EntryRemoved, EntryEvicted:
		lock := l.keyLock(event.Key)
		lock.Lock()
		defer lock.Unlock()
		l.mu.Lock()
		for node := range l.reverseMap.owners {
			l.remove(node, event.Key)
		}
		l.mu.Unlock()

	case MapCleared, MapEvicted:
		l.dropNode(event.Node)
	}
}
