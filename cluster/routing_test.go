package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routingCluster builds a minimal cluster around a fixed node array and
// partition map, bypassing seeding.
func routingCluster(nodes []*Node, pm PartitionMap) *Cluster {
	c := &Cluster{}
	c.nodes.Store(&nodes)
	c.partitionMap.Store(&pm)
	return c
}

func singlePartitionMap(namespace string, cpMode bool, replicas ...[]*Node) PartitionMap {
	parts := newPartitions(len(replicas), cpMode)
	for i, owners := range replicas {
		for id, node := range owners {
			parts.Replicas[i][id] = node
		}
	}
	return PartitionMap{namespace: parts}
}

func TestGetMasterNode(t *testing.T) {
	master := testNode("A1")
	prole := testNode("B1")

	pm := singlePartitionMap("test", false,
		[]*Node{7: master},
		[]*Node{7: prole})
	c := routingCluster([]*Node{master, prole}, pm)

	node, err := c.GetMasterNode("test", 7)
	require.NoError(t, err)
	assert.Same(t, master, node)
}

func TestGetMasterNodeStrict(t *testing.T) {
	master := testNode("A1")
	prole := testNode("B1")

	pm := singlePartitionMap("test", false,
		[]*Node{7: master},
		[]*Node{7: prole})
	c := routingCluster([]*Node{master, prole}, pm)

	// an inactive master is an error, never a silent replica fallback
	master.active.Store(false)
	_, err := c.GetMasterNode("test", 7)
	require.ErrorIs(t, err, ErrInvalidNode)

	// an unowned partition behaves the same
	_, err = c.GetMasterNode("test", 8)
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestGetMasterNodeUnknownNamespace(t *testing.T) {
	c := routingCluster(nil, PartitionMap{})

	_, err := c.GetMasterNode("nope", 0)
	require.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestGetMasterNodePartitionRange(t *testing.T) {
	pm := singlePartitionMap("test", false, []*Node{})
	c := routingCluster(nil, pm)

	_, err := c.GetMasterNode("test", -1)
	require.Error(t, err)
	_, err = c.GetMasterNode("test", PartitionCount)
	require.Error(t, err)
}

func TestGetMasterProlesNode(t *testing.T) {
	master := testNode("A1")
	prole := testNode("B1")

	pm := singlePartitionMap("test", false,
		[]*Node{3: master},
		[]*Node{3: prole})
	c := routingCluster([]*Node{master, prole}, pm)

	// rotation spreads across replica levels; either owner is acceptable
	node, err := c.GetMasterProlesNode("test", 3)
	require.NoError(t, err)
	assert.Contains(t, []*Node{master, prole}, node)

	// with the master down every call lands on the surviving prole
	master.active.Store(false)
	for i := 0; i < 4; i++ {
		node, err = c.GetMasterProlesNode("test", 3)
		require.NoError(t, err)
		assert.Same(t, prole, node)
	}
}

func TestGetMasterProlesNodeAPFallback(t *testing.T) {
	master := testNode("A1")
	prole := testNode("B1")
	spare := testNode("C1")

	pm := singlePartitionMap("test", false,
		[]*Node{3: master},
		[]*Node{3: prole})
	c := routingCluster([]*Node{master, prole, spare}, pm)

	master.active.Store(false)
	prole.active.Store(false)

	node, err := c.GetMasterProlesNode("test", 3)
	require.NoError(t, err)
	assert.Same(t, spare, node)
}

func TestGetMasterProlesNodeCPMode(t *testing.T) {
	master := testNode("A1")
	spare := testNode("C1")

	pm := singlePartitionMap("test", true, []*Node{3: master})
	c := routingCluster([]*Node{master, spare}, pm)

	master.active.Store(false)

	// consistency-prioritized namespaces never fall back to arbitrary nodes
	_, err := c.GetMasterProlesNode("test", 3)
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestGetRandomNode(t *testing.T) {
	nodeA := testNode("A1")
	nodeB := testNode("B1")
	nodeC := testNode("C1")
	nodeB.active.Store(false)

	c := routingCluster([]*Node{nodeA, nodeB, nodeC}, PartitionMap{})

	seen := make(map[string]int)
	for i := 0; i < 12; i++ {
		node, err := c.GetRandomNode()
		require.NoError(t, err)
		seen[node.Name()]++
	}

	assert.Positive(t, seen["A1"])
	assert.Positive(t, seen["C1"])
	assert.Zero(t, seen["B1"])
}

func TestGetRandomNodeNoneActive(t *testing.T) {
	nodeA := testNode("A1")
	nodeA.active.Store(false)

	c := routingCluster([]*Node{nodeA}, PartitionMap{})
	_, err := c.GetRandomNode()
	require.ErrorIs(t, err, ErrInvalidNode)

	c = routingCluster([]*Node{}, PartitionMap{})
	_, err = c.GetRandomNode()
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestFindNodesToRemove(t *testing.T) {
	c := &Cluster{policy: DefaultClientPolicy().withDefaults()}

	healthy := testNode("A1")
	inactive := testNode("B1")
	inactive.active.Store(false)
	failing := testNode("C1")
	failing.failures.Store(int32(c.policy.RemovalFailureThreshold))
	orphan := testNode("D1")

	healthy.referenceCount.Store(2)
	nodes := []*Node{healthy, inactive, failing, orphan}

	pm := singlePartitionMap("test", false, []*Node{0: healthy})

	// before any peer refresh, reference counts are meaningless and the
	// orphan rule must not fire
	peers := newPeers(4)
	removeList := c.findNodesToRemove(nodes, peers, pm)
	assert.ElementsMatch(t, []*Node{inactive, failing}, removeList)

	// once a peer table was actually collected, an unreferenced node
	// absent from the partition map is gone for real
	peers.incRefreshCount()
	removeList = c.findNodesToRemove(nodes, peers, pm)
	assert.ElementsMatch(t, []*Node{inactive, failing, orphan}, removeList)
}

func TestFindNodesToRemoveKeepsLastNode(t *testing.T) {
	c := &Cluster{policy: DefaultClientPolicy().withDefaults()}

	lone := testNode("A1")
	peers := newPeers(1)
	peers.incRefreshCount()

	removeList := c.findNodesToRemove([]*Node{lone}, peers, PartitionMap{})
	assert.Empty(t, removeList)
}

func TestRefreshFeatures(t *testing.T) {
	full := testNode("A1")
	full.features = nodeFeatures{peers: true, replicas: true, float: true, partitionScans: true}
	partial := testNode("B1")
	partial.features = nodeFeatures{peers: true, replicas: true, float: true}

	c := routingCluster([]*Node{full, partial}, PartitionMap{})
	c.refreshFeatures()

	assert.True(t, c.SupportsFloat())
	assert.False(t, c.SupportsPartitionScans())

	// inactive nodes no longer vote
	partial.active.Store(false)
	c.refreshFeatures()
	assert.True(t, c.SupportsPartitionScans())
}

func TestParseFeatures(t *testing.T) {
	features := parseFeatures("peers;replicas;float;pscans;batch-index")
	assert.True(t, features.peers)
	assert.True(t, features.replicas)
	assert.True(t, features.float)
	assert.True(t, features.partitionScans)

	features = parseFeatures("replicas")
	assert.False(t, features.peers)
	assert.True(t, features.replicas)

	features = parseFeatures("")
	assert.False(t, features.peers)
}
