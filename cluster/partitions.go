package cluster

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PartitionCount is the fixed, server-defined number of partitions per
// namespace.
const PartitionCount = 4096

// Partitions holds the replica ownership grid for one namespace.
// Replicas[0] is the master-owner array; higher indexes are prole owners
// in priority order.  Instances are immutable once published; the tend
// loop clones before mutating.
type Partitions struct {
	// Replicas is indexed [replicaIndex][partitionID].  A nil cell means
	// ownership is not yet known; a stabilized map has every cell filled.
	Replicas [][]*Node

	// CPMode marks the namespace as consistency-prioritized, which
	// forbids falling back to arbitrary nodes when no replica is active.
	CPMode bool
}

func newPartitions(replicaCount int, cpMode bool) *Partitions {
	replicas := make([][]*Node, replicaCount)
	for i := range replicas {
		replicas[i] = make([]*Node, PartitionCount)
	}

	return &Partitions{
		Replicas: replicas,
		CPMode:   cpMode,
	}
}

func (p *Partitions) clone() *Partitions {
	replicas := make([][]*Node, len(p.Replicas))
	for i := range p.Replicas {
		replicas[i] = make([]*Node, PartitionCount)
		copy(replicas[i], p.Replicas[i])
	}

	return &Partitions{
		Replicas: replicas,
		CPMode:   p.CPMode,
	}
}

func (p *Partitions) containsNode(node *Node) bool {
	for _, replica := range p.Replicas {
		for _, owner := range replica {
			if owner == node {
				return true
			}
		}
	}
	return false
}

// PartitionMap maps namespace names to their replica grids.  A map value
// is published with a single atomic reference swap; readers always see a
// self-consistent snapshot across all namespaces.
type PartitionMap map[string]*Partitions

func (pm PartitionMap) containsNode(node *Node) bool {
	for _, parts := range pm {
		if parts.containsNode(node) {
			return true
		}
	}
	return false
}

// Namespaces returns the namespace names present in the map.
func (pm PartitionMap) Namespaces() []string {
	names := make([]string, 0, len(pm))
	for ns := range pm {
		names = append(names, ns)
	}
	return names
}

// PartitionForDigest computes the partition a record digest belongs to.
func PartitionForDigest(digest []byte) int {
	if len(digest) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(digest[:4])) & (PartitionCount - 1)
}

// partitionScratch accumulates one tend cycle's partition updates offline.
// The base map is shared until a namespace is actually modified, at which
// point that namespace's grid is cloned, so an unchanged cycle publishes
// nothing and changed cycles publish complete snapshots.
type partitionScratch struct {
	pm      PartitionMap
	cloned  map[string]bool
	changed bool
}

func newPartitionScratch(base PartitionMap) *partitionScratch {
	pm := make(PartitionMap, len(base)+1)
	for ns, parts := range base {
		pm[ns] = parts
	}

	return &partitionScratch{
		pm:     pm,
		cloned: make(map[string]bool),
	}
}

// partitionsFor returns a mutable grid for the namespace, cloning the
// published one on first touch.
func (s *partitionScratch) partitionsFor(namespace string, replicaCount int, cpMode bool) *Partitions {
	parts := s.pm[namespace]
	if parts == nil || len(parts.Replicas) != replicaCount || parts.CPMode != cpMode {
		parts = newPartitions(replicaCount, cpMode)
		s.pm[namespace] = parts
		s.cloned[namespace] = true
		s.changed = true
		return parts
	}

	if !s.cloned[namespace] {
		parts = parts.clone()
		s.pm[namespace] = parts
		s.cloned[namespace] = true
	}

	return parts
}

// parseReplicas applies one node's partition ownership response to the
// scratch map.  The response holds one entry per namespace:
//
//	ns:regime,replicaCount,b64bitmap[,b64bitmap...]
//
// entries separated by semicolons.  Each bitmap covers PartitionCount
// bits, MSB-first within each byte, and marks the partitions this node
// owns at that replica level.  A nonzero regime marks the namespace as
// consistency-prioritized.
func parseReplicas(response string, node *Node, scratch *partitionScratch) error {
	if response == "" {
		return nil
	}

	for _, entry := range strings.Split(response, ";") {
		if entry == "" {
			continue
		}

		namespace, body, found := strings.Cut(entry, ":")
		if !found {
			return errors.Errorf("malformed replicas entry %q", entry)
		}

		fields := strings.Split(body, ",")
		if len(fields) < 3 {
			return errors.Errorf("malformed replicas entry for namespace %q", namespace)
		}

		regime, err := strconv.Atoi(fields[0])
		if err != nil {
			return errors.Wrapf(err, "invalid regime for namespace %q", namespace)
		}

		replicaCount, err := strconv.Atoi(fields[1])
		if err != nil {
			return errors.Wrapf(err, "invalid replica count for namespace %q", namespace)
		}

		bitmaps := fields[2:]
		if replicaCount <= 0 || len(bitmaps) != replicaCount {
			return errors.Errorf("replica count mismatch for namespace %q", namespace)
		}

		parts := scratch.partitionsFor(namespace, replicaCount, regime > 0)

		for replicaIdx, encoded := range bitmaps {
			bitmap, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return errors.Wrapf(err, "invalid bitmap for namespace %q", namespace)
			}
			if len(bitmap) < PartitionCount/8 {
				return errors.Errorf("short bitmap for namespace %q", namespace)
			}

			owners := parts.Replicas[replicaIdx]
			for partitionID := 0; partitionID < PartitionCount; partitionID++ {
				owned := bitmap[partitionID>>3]&(0x80>>uint(partitionID&7)) != 0
				if owned && owners[partitionID] != node {
					// the grid may still be shared if this namespace was
					// cloned earlier in the same cycle; partitionsFor has
					// already detached it, so writes are safe here.
					owners[partitionID] = node
					scratch.changed = true
				}
			}
		}
	}

	return nil
}
