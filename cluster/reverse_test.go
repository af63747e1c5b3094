package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueOwnerAddAndRemove(t *testing.T) {
	l := NewUniqueOwnerListener("muc-rooms")

	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Cache: "muc-rooms", Key: "lobby", Node: "node-a"})
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-a"))

	l.HandleEntryEvent(EntryEvent{Type: EntryRemoved, Cache: "muc-rooms", Key: "lobby", Node: "node-a"})
	assert.Empty(t, l.KeysForNode("node-a"))
}

func TestUniqueOwnerConvergesUnderOutOfOrderDelivery(t *testing.T) {
	// logical time says the add on node-a happened before the update on
	// node-b, but delivery may be reordered; in either order the key ends
	// up under exactly the node whose event was applied last
	events := []EntryEvent{
		{Type: EntryUpdated, Cache: "muc-rooms", Key: "lobby", Node: "node-b"},
		{Type: EntryAdded, Cache: "muc-rooms", Key: "lobby", Node: "node-a"},
	}

	l := NewUniqueOwnerListener("muc-rooms")
	for _, e := range events {
		l.HandleEntryEvent(e)
	}
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-a"))
	assert.Empty(t, l.KeysForNode("node-b"))

	l = NewUniqueOwnerListener("muc-rooms")
	l.HandleEntryEvent(events[1])
	l.HandleEntryEvent(events[0])
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-b"))
	assert.Empty(t, l.KeysForNode("node-a"))
}

func TestUniqueOwnerRemoveOnlyAffectsReportingNode(t *testing.T) {
	l := NewUniqueOwnerListener("muc-rooms")
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "lobby", Node: "node-a"})

	// a stale remove from another node must not strip node-a's claim
	l.HandleEntryEvent(EntryEvent{Type: EntryRemoved, Key: "lobby", Node: "node-b"})
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-a"))
}

func TestUniqueOwnerMapCleared(t *testing.T) {
	l := NewUniqueOwnerListener("muc-rooms")
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "lobby", Node: "node-a"})
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "garden", Node: "node-a"})
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "attic", Node: "node-b"})

	l.HandleEntryEvent(EntryEvent{Type: MapCleared, Node: "node-a"})

	assert.Empty(t, l.KeysForNode("node-a"))
	assert.ElementsMatch(t, []string{"attic"}, l.KeysForNode("node-b"))
}

func ownersFromValue(value json.RawMessage) []NodeID {
	var nodes []NodeID
	_ = json.Unmarshal(value, &nodes)
	return nodes
}

func TestMultiOwnerUpdateReconciles(t *testing.T) {
	l := NewMultiOwnerListener("muc-occupants", ownersFromValue)

	value, _ := json.Marshal([]NodeID{"node-a", "node-b"})
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "lobby", Value: value, Node: "node-a"})
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-a"))
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-b"))

	// node-b drops out of the freshly computed owner set
	value, _ = json.Marshal([]NodeID{"node-a", "node-c"})
	l.HandleEntryEvent(EntryEvent{Type: EntryUpdated, Key: "lobby", Value: value, Node: "node-a"})
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-a"))
	assert.Empty(t, l.KeysForNode("node-b"))
	assert.ElementsMatch(t, []string{"lobby"}, l.KeysForNode("node-c"))
}

func TestMultiOwnerRemoveStripsAllNodesAndPrunes(t *testing.T) {
	l := NewMultiOwnerListener("muc-occupants", ownersFromValue)

	value, _ := json.Marshal([]NodeID{"node-a", "node-b"})
	l.HandleEntryEvent(EntryEvent{Type: EntryAdded, Key: "lobby", Value: value, Node: "node-a"})
	l.HandleEntryEvent(EntryEvent{Type: EntryRemoved, Key: "lobby", Node: "node-b"})

	assert.Empty(t, l.KeysForNode("node-a"))
	assert.Empty(t, l.KeysForNode("node-b"))
	assert.Empty(t, l.Snapshot(), "empty node entries are pruned")
}

func TestReverseMapConcurrentEvents(t *testing.T) {
	l := NewUniqueOwnerListener("muc-rooms")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			node := NodeID(fmt.Sprintf("node-%d", n%2))
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("room-%d", j%10)
				l.HandleEntryEvent(EntryEvent{Type: EntryUpdated, Key: key, Node: node})
			}
		}(i)
	}
	wg.Wait()

	// every key must end up under exactly one node
	seen := make(map[string]int)
	for _, keys := range l.Snapshot() {
		for _, k := range keys {
			seen[k]++
		}
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "key %s claimed by %d nodes", key, count)
	}
}

func TestMembership(t *testing.T) {
	m := NewMembership("node-a")
	assert.True(t, m.Contains("node-a"))
	assert.False(t, m.Contains("node-b"))

	m.NodeJoined("node-b")
	m.NodeJoined("node-a") // local node is never listed as remote
	assert.True(t, m.Contains("node-b"))
	assert.ElementsMatch(t, []NodeID{"node-b"}, m.RemoteNodes())

	m.NodeLeft("node-b")
	assert.False(t, m.Contains("node-b"))
}
