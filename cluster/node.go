// Package cluster provides the pieces that make the cache layer work
// across cooperating server processes: node identity and membership, the
// cache entry event bus, the clustered cache backend and the
// reverse-lookup listeners that track which node owns which cache keys.
package cluster

import (
	"sync"

	"github.com/tcriess/lightspeed-muc/globals"
)

// NodeID identifies one server process in the cluster.
type NodeID string

// Membership tracks the locally known cluster members. It is updated from
// join/leave notifications and consulted by the consistency checker to
// decide which remote node ids are currently legitimate.
type Membership struct {
	local NodeID

	mu    sync.RWMutex
	nodes map[NodeID]struct{}
}

func NewMembership(local NodeID) *Membership {
	return &Membership{
		local: local,
		nodes: make(map[NodeID]struct{}),
	}
}

// LocalNode returns this process' node id.
func (m *Membership) LocalNode() NodeID { return m.local }

// NodeJoined records a remote node. Recording the local node or a node
// already known is a no-op.
func (m *Membership) NodeJoined(node NodeID) {
	if node == m.local || node == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node]; ok {
		return
	}
	m.nodes[node] = struct{}{}
	globals.AppLogger.Info("cluster node joined", "node", node)
}

// NodeLeft removes a remote node.
func (m *Membership) NodeLeft(node NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node]; !ok {
		return
	}
	delete(m.nodes, node)
	globals.AppLogger.Info("cluster node left", "node", node)
}

// Contains reports whether node is a currently recognized member (the
// local node always is).
func (m *Membership) Contains(node NodeID) bool {
	if node == m.local {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[node]
	return ok
}

// RemoteNodes returns a snapshot of the known remote members.
func (m *Membership) RemoteNodes() []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]NodeID, 0, len(m.nodes))
	for n := range m.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}
