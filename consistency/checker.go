// Package consistency contains read-only diagnostics that diff a shared
// cache against the local and remote bookkeeping structures maintained
// alongside it. The checks are advisory: they never mutate what they
// inspect and their reports are meant for operators chasing divergence
// between cluster nodes.
package consistency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tcriess/lightspeed-muc/cluster"
)

// Snapshot is the frozen input of one check run. Callers take defensive
// copies before handing them in; the checker never modifies a snapshot.
type Snapshot struct {
	CacheName string

	// CacheKeys are the keys present in the shared cache.
	CacheKeys []string

	// LocalKeys is what this node believes it owns.
	LocalKeys []string

	// RemoteKeys is, per other node id, what this node believes that peer
	// owns.
	RemoteKeys map[cluster.NodeID][]string

	// LocalNode is this node's own identifier, ClusterNodes the currently
	// recognized remote members.
	LocalNode    cluster.NodeID
	ClusterNodes []cluster.NodeID
}

// Report is the categorized result of one check run. Pass and Fail carry
// human-readable invariant outcomes, Info descriptive counts and Data full
// dumps for debugging.
type Report struct {
	Info []string `json:"info"`
	Data []string `json:"data"`
	Pass []string `json:"pass"`
	Fail []string `json:"fail"`
}

// Ok reports whether no invariant was violated.
func (r *Report) Ok() bool { return len(r.Fail) == 0 }

func (r *Report) info(format string, args ...interface{}) {
	r.Info = append(r.Info, fmt.Sprintf(format, args...))
}

func (r *Report) data(format string, args ...interface{}) {
	r.Data = append(r.Data, fmt.Sprintf(format, args...))
}

func (r *Report) pass(format string, args ...interface{}) {
	r.Pass = append(r.Pass, fmt.Sprintf(format, args...))
}

func (r *Report) fail(format string, args ...interface{}) {
	r.Fail = append(r.Fail, fmt.Sprintf(format, args...))
}

// Check runs all invariants against the snapshot. It is safe to call
// concurrently and repeatedly.
func Check(s Snapshot) *Report {
	report := &Report{}

	report.info("cache %s: %d cache entries, %d local claims, %d remote nodes",
		s.CacheName, len(s.CacheKeys), len(s.LocalKeys), len(s.RemoteKeys))
	report.data("cache keys: %s", dump(s.CacheKeys))
	report.data("local claims: %s", dump(s.LocalKeys))
	for node, keys := range s.RemoteKeys {
		report.data("remote claims of %s: %s", node, dump(keys))
	}

	cacheSet := toSet(s.CacheKeys)

	// 1. no duplicate claims within local bookkeeping
	if dups := duplicates(s.LocalKeys); len(dups) > 0 {
		report.fail("cache %s: duplicate local claims: %s", s.CacheName, dump(dups))
	} else {
		report.pass("cache %s: local claims are unique", s.CacheName)
	}

	// 2. no duplicate claims within remote bookkeeping, aggregated across
	// peers
	remoteAll := make([]string, 0)
	remoteOwner := make(map[string][]cluster.NodeID)
	for node, keys := range s.RemoteKeys {
		remoteAll = append(remoteAll, keys...)
		for _, k := range keys {
			remoteOwner[k] = append(remoteOwner[k], node)
		}
	}
	if dups := duplicates(remoteAll); len(dups) > 0 {
		for _, k := range dups {
			report.fail("cache %s: key %s claimed by multiple remote nodes: %v", s.CacheName, k, remoteOwner[k])
		}
	} else {
		report.pass("cache %s: remote claims are unique", s.CacheName)
	}
	remoteSet := toSet(remoteAll)

	// 3. no key claimed as both local and remote
	localSet := toSet(s.LocalKeys)
	both := make([]string, 0)
	for k := range localSet {
		if _, ok := remoteSet[k]; ok {
			both = append(both, k)
		}
	}
	if len(both) > 0 {
		report.fail("cache %s: keys claimed both locally and remotely: %s", s.CacheName, dump(both))
	} else {
		report.pass("cache %s: no cross-contamination between local and remote claims", s.CacheName)
	}

	// 4. every claim refers to an existing cache entry
	missingLocal := missingFrom(s.LocalKeys, cacheSet)
	if len(missingLocal) > 0 {
		report.fail("cache %s: local claims without cache entry: %s", s.CacheName, dump(missingLocal))
	} else {
		report.pass("cache %s: all local claims exist in the cache", s.CacheName)
	}
	missingRemote := missingFrom(remoteAll, cacheSet)
	if len(missingRemote) > 0 {
		report.fail("cache %s: remote claims without cache entry: %s", s.CacheName, dump(missingRemote))
	} else {
		report.pass("cache %s: all remote claims exist in the cache", s.CacheName)
	}

	// 5. every cache entry is claimed by exactly the union of local and
	// remote bookkeeping
	orphans := make([]string, 0)
	for k := range cacheSet {
		_, isLocal := localSet[k]
		_, isRemote := remoteSet[k]
		if !isLocal && !isRemote {
			orphans = append(orphans, k)
		}
	}
	if len(orphans) > 0 {
		report.fail("cache %s: cache entries claimed by nobody: %s", s.CacheName, dump(orphans))
	} else {
		report.pass("cache %s: every cache entry is claimed", s.CacheName)
	}

	// 6. remote bookkeeping names neither the local node nor unknown nodes
	members := make(map[cluster.NodeID]struct{}, len(s.ClusterNodes))
	for _, n := range s.ClusterNodes {
		members[n] = struct{}{}
	}
	validNodes := true
	for node := range s.RemoteKeys {
		if node == s.LocalNode {
			report.fail("cache %s: remote bookkeeping claims data for the local node %s", s.CacheName, node)
			validNodes = false
			continue
		}
		if _, ok := members[node]; !ok {
			report.fail("cache %s: remote bookkeeping claims data for unknown node %s", s.CacheName, node)
			validNodes = false
		}
	}
	if validNodes {
		report.pass("cache %s: remote bookkeeping names only recognized peers", s.CacheName)
	}

	return report
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func duplicates(keys []string) []string {
	seen := make(map[string]int, len(keys))
	for _, k := range keys {
		seen[k]++
	}
	dups := make([]string, 0)
	for k, n := range seen {
		if n > 1 {
			dups = append(dups, k)
		}
	}
	sort.Strings(dups)
	return dups
}

func missingFrom(keys []string, set map[string]struct{}) []string {
	missing := make([]string, 0)
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

func dump(keys []string) string {
	if len(keys) == 0 {
		return "(none)"
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
