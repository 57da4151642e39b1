package testutils

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
)

// FakeCluster wires a set of FakeNodes into a coherent membership: each
// member's peer list references the others, and partition ownership is
// spread across the members round-robin at every replica level.
// Mutators simulate topology events (rebalance, decommission) by
// rewriting responses and bumping the relevant generation counters.
type FakeCluster struct {
	Nodes []*FakeNode

	mu           sync.Mutex
	members      []int // indexes into Nodes still part of the cluster
	namespaces   []string
	replicaCount int
	offset       int // rotates the ownership assignment on rebalance
	peersGen     int
	partitionGen int
}

func NewFakeCluster(nodeCount int, namespaces ...string) (*FakeCluster, error) {
	return newFakeCluster(nodeCount, nil, namespaces)
}

// NewFakeClusterTLS builds a fake cluster whose nodes all serve behind
// the given certificate.
func NewFakeClusterTLS(nodeCount int, cert *tls.Certificate, namespaces ...string) (*FakeCluster, error) {
	return newFakeCluster(nodeCount, cert, namespaces)
}

func newFakeCluster(nodeCount int, cert *tls.Certificate, namespaces []string) (*FakeCluster, error) {
	if len(namespaces) == 0 {
		namespaces = []string{"test"}
	}

	replicaCount := 2
	if nodeCount < 2 {
		replicaCount = 1
	}

	fc := &FakeCluster{
		namespaces:   namespaces,
		replicaCount: replicaCount,
		peersGen:     1,
		partitionGen: 1,
	}

	for i := 0; i < nodeCount; i++ {
		node, err := newFakeNode(fmt.Sprintf("FAKE%04d", i), cert)
		if err != nil {
			fc.Close()
			return nil, err
		}
		fc.Nodes = append(fc.Nodes, node)
		fc.members = append(fc.members, i)
	}

	for i := range fc.Nodes {
		i := i
		fc.Nodes[i].SetResponse("peers-generation", func() string {
			return strconv.Itoa(fc.currentPeersGen())
		})
		fc.Nodes[i].SetResponse("partition-generation", func() string {
			return strconv.Itoa(fc.currentPartitionGen())
		})
		fc.Nodes[i].SetResponse("peers-clear-std", func() string {
			return fc.peersResponse(i)
		})
		fc.Nodes[i].SetResponse("peers-tls-std", func() string {
			return fc.peersResponse(i)
		})
		fc.Nodes[i].SetResponse("replicas", func() string {
			return fc.replicasResponse(i)
		})
	}

	return fc, nil
}

// Seeds returns seed hosts for every node.
func (fc *FakeCluster) Seeds() []*cluster.Host {
	hosts := make([]*cluster.Host, len(fc.Nodes))
	for i, node := range fc.Nodes {
		hosts[i] = node.Host()
	}
	return hosts
}

// Rebalance rotates every partition's ownership to the next member and
// bumps the partition generation so clients refetch ownership.
func (fc *FakeCluster) Rebalance() {
	fc.mu.Lock()
	fc.offset++
	fc.partitionGen++
	fc.mu.Unlock()
}

// RemoveMember decommissions a node: it drops out of all peer lists and
// its partitions are reassigned, but its server keeps answering.
func (fc *FakeCluster) RemoveMember(idx int) {
	fc.mu.Lock()
	kept := fc.members[:0]
	for _, member := range fc.members {
		if member != idx {
			kept = append(kept, member)
		}
	}
	fc.members = kept
	if len(fc.members) < fc.replicaCount {
		fc.replicaCount = len(fc.members)
	}
	fc.peersGen++
	fc.partitionGen++
	fc.mu.Unlock()
}

// StopNode makes a node unreachable without changing the advertised
// membership, as a crashed server would be.
func (fc *FakeCluster) StopNode(idx int) {
	fc.Nodes[idx].Stop()
}

func (fc *FakeCluster) Close() {
	for _, node := range fc.Nodes {
		node.Stop()
	}
}

func (fc *FakeCluster) currentPeersGen() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.peersGen
}

func (fc *FakeCluster) currentPartitionGen() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.partitionGen
}

// peersResponse renders node idx's peer list: every other member.
func (fc *FakeCluster) peersResponse(idx int) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var entries []string
	for _, member := range fc.members {
		if member == idx {
			continue
		}
		peer := fc.Nodes[member]
		entries = append(entries, fmt.Sprintf("[%s,,[127.0.0.1:%d]]", peer.NodeName, peer.Port()))
	}

	return fmt.Sprintf("%d,%d,[%s]", fc.peersGen, fc.Nodes[idx].Port(), strings.Join(entries, ","))
}

// replicasResponse renders node idx's ownership bitmaps under the
// current assignment: partition p's replica r lives on member
// (p + offset + r) modulo member count.
func (fc *FakeCluster) replicasResponse(idx int) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	memberPos := -1
	for pos, member := range fc.members {
		if member == idx {
			memberPos = pos
			break
		}
	}
	if memberPos < 0 {
		// decommissioned: claims nothing anywhere
		var entries []string
		empty := emptyBitmap()
		for _, namespace := range fc.namespaces {
			fields := []string{namespace + ":0", strconv.Itoa(fc.replicaCount)}
			for r := 0; r < fc.replicaCount; r++ {
				fields = append(fields, empty)
			}
			entries = append(entries, strings.Join(fields, ","))
		}
		return strings.Join(entries, ";")
	}

	memberCount := len(fc.members)

	var entries []string
	for _, namespace := range fc.namespaces {
		fields := []string{namespace + ":0", strconv.Itoa(fc.replicaCount)}

		for r := 0; r < fc.replicaCount; r++ {
			var owned []int
			for p := 0; p < cluster.PartitionCount; p++ {
				if (p+fc.offset+r)%memberCount == memberPos {
					owned = append(owned, p)
				}
			}
			fields = append(fields, encodeBitmap(owned))
		}

		entries = append(entries, strings.Join(fields, ","))
	}

	return strings.Join(entries, ";")
}

// MasterMember reports which node index currently masters a partition.
func (fc *FakeCluster) MasterMember(partitionID int) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.members[(partitionID+fc.offset)%len(fc.members)]
}

func encodeBitmap(partitionIDs []int) string {
	bitmap := make([]byte, cluster.PartitionCount/8)
	for _, id := range partitionIDs {
		bitmap[id>>3] |= 0x80 >> uint(id&7)
	}
	return base64.StdEncoding.EncodeToString(bitmap)
}

func emptyBitmap() string {
	return base64.StdEncoding.EncodeToString(make([]byte, cluster.PartitionCount/8))
}
