package consistency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tcriess/lightspeed-muc/cluster"
)

func perfectSnapshot() Snapshot {
	return Snapshot{
		CacheName: "muc-rooms",
		CacheKeys: []string{"lobby", "garden", "attic"},
		LocalKeys: []string{"lobby"},
		RemoteKeys: map[cluster.NodeID][]string{
			"node-b": {"garden"},
			"node-c": {"attic"},
		},
		LocalNode:    "node-a",
		ClusterNodes: []cluster.NodeID{"node-b", "node-c"},
	}
}

func TestCheckPerfectPartitionPasses(t *testing.T) {
	report := Check(perfectSnapshot())
	assert.True(t, report.Ok())
	assert.Empty(t, report.Fail)
	assert.NotEmpty(t, report.Pass)
	assert.NotEmpty(t, report.Info)
}

func TestCheckDetectsCrossContamination(t *testing.T) {
	s := perfectSnapshot()
	// "lobby" is deliberately claimed both locally and by a peer
	s.RemoteKeys["node-b"] = append(s.RemoteKeys["node-b"], "lobby")

	report := Check(s)
	assert.False(t, report.Ok())
	found := false
	for _, f := range report.Fail {
		if strings.Contains(f, "lobby") {
			found = true
		}
	}
	assert.True(t, found, "failure entries must enumerate the offending key")
}

func TestCheckDetectsDuplicateRemoteClaims(t *testing.T) {
	s := perfectSnapshot()
	s.RemoteKeys["node-c"] = append(s.RemoteKeys["node-c"], "garden")

	report := Check(s)
	assert.False(t, report.Ok())
}

func TestCheckDetectsOrphanedCacheEntries(t *testing.T) {
	s := perfectSnapshot()
	s.CacheKeys = append(s.CacheKeys, "cellar") // nobody claims this

	report := Check(s)
	assert.False(t, report.Ok())
	found := false
	for _, f := range report.Fail {
		if strings.Contains(f, "cellar") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCheckDetectsClaimsWithoutCacheEntry(t *testing.T) {
	s := perfectSnapshot()
	s.LocalKeys = append(s.LocalKeys, "phantom")

	report := Check(s)
	assert.False(t, report.Ok())
}

func TestCheckDetectsIllegitimateRemoteNodes(t *testing.T) {
	s := perfectSnapshot()
	s.CacheKeys = append(s.CacheKeys, "cellar", "vault")
	s.RemoteKeys["node-a"] = []string{"cellar"}  // the local node itself
	s.RemoteKeys["node-z"] = []string{"vault"}   // not a recognized member

	report := Check(s)
	assert.False(t, report.Ok())
	assert.GreaterOrEqual(t, len(report.Fail), 2)
}

func TestCheckDoesNotMutateSnapshot(t *testing.T) {
	s := perfectSnapshot()
	before := len(s.CacheKeys)
	_ = Check(s)
	_ = Check(s)
	assert.Equal(t, before, len(s.CacheKeys))
	assert.Len(t, s.RemoteKeys, 2)
}
