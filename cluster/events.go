package cluster

import "encoding/json"

// EntryEventType enumerates the cache mutations a node reports to its
// peers.
type EntryEventType int

const (
	EntryAdded EntryEventType = iota + 1
	EntryUpdated
	EntryRemoved
	EntryEvicted
	MapCleared
	MapEvicted
)

func (t EntryEventType) String() string {
	switch t {
	case EntryAdded:
		return "added"
	case EntryUpdated:
		return "updated"
	case EntryRemoved:
		return "removed"
	case EntryEvicted:
		return "evicted"
	case MapCleared:
		return "map-cleared"
	case MapEvicted:
		return "map-evicted"
	}
	return "unknown"
}

// EntryEvent is one cache mutation, tagged with the node it originated on.
// For MapCleared/MapEvicted the key and value are empty, the event applies
// to the whole named cache of that node.
type EntryEvent struct {
	Type  EntryEventType  `json:"type"`
	Cache string          `json:"cache"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Node  NodeID          `json:"node"`
}

// EntryListener receives cache entry events, both locally generated and
// delivered from other cluster nodes. Implementations must tolerate
// out-of-order delivery of events for the same key.
type EntryListener interface {
	// CacheName returns the name of the cache this listener watches.
	CacheName() string

	HandleEntryEvent(event EntryEvent)
}
