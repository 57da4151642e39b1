package cluster_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
	"github.com/aerospike/aerospike-client-csharp-sub013/testutils"
	"github.com/aerospike/aerospike-client-csharp-sub013/utils/selfsignedcert"
)

const (
	tendWait = 10 * time.Second
	tendTick = 25 * time.Millisecond
)

func testPolicy() *cluster.ClientPolicy {
	policy := cluster.DefaultClientPolicy()
	policy.TendInterval = 50 * time.Millisecond
	policy.Timeout = 2 * time.Second
	return policy
}

// deadAddress returns a loopback host:port with nothing listening.
func deadAddress(t *testing.T) *cluster.Host {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return cluster.NewHost("127.0.0.1", port)
}

func nodeNames(c *cluster.Cluster) []string {
	nodes := c.Nodes()
	names := make([]string, len(nodes))
	for i, node := range nodes {
		names[i] = node.Name()
	}
	return names
}

func TestClusterDiscoversPeersFromSingleSeed(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds()[:1])
	require.NoError(t, err)
	defer c.Close()

	names := nodeNames(c)
	assert.ElementsMatch(t, []string{"FAKE0000", "FAKE0001", "FAKE0002"}, names)
	assert.True(t, c.IsConnected())
}

func TestClusterNodeNamesUnique(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3)
	require.NoError(t, err)
	defer fc.Close()

	// every node seeded, plus the duplicate-producing peer discovery on
	// top; the membership must still come out with unique names
	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	seen := make(map[string]bool)
	for _, name := range nodeNames(c) {
		assert.False(t, seen[name], "duplicate node %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, 3)
}

func TestClusterSeedFallback(t *testing.T) {
	fc, err := testutils.NewFakeCluster(2)
	require.NoError(t, err)
	defer fc.Close()

	seeds := []*cluster.Host{deadAddress(t), fc.Seeds()[0]}

	c, err := cluster.NewCluster(testPolicy(), seeds)
	require.NoError(t, err)
	defer c.Close()

	assert.ElementsMatch(t, []string{"FAKE0000", "FAKE0001"}, nodeNames(c))
}

func TestClusterAllSeedsUnreachable(t *testing.T) {
	seeds := []*cluster.Host{deadAddress(t), deadAddress(t)}

	policy := testPolicy()
	_, err := cluster.NewCluster(policy, seeds)
	require.Error(t, err)
	require.ErrorIs(t, err, cluster.ErrClusterUnreachable)
}

func TestClusterUnreachableSeedsBestEffort(t *testing.T) {
	seeds := []*cluster.Host{deadAddress(t)}

	policy := testPolicy()
	policy.FailIfNotConnected = false

	c, err := cluster.NewCluster(policy, seeds)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.IsConnected())
	assert.Empty(t, c.Nodes())
}

func TestClusterNameMismatchRejectsSeed(t *testing.T) {
	fc, err := testutils.NewFakeCluster(1)
	require.NoError(t, err)
	defer fc.Close()

	fc.Nodes[0].SetResponse("cluster-name", func() string { return "other" })

	policy := testPolicy()
	policy.ClusterName = "expected"

	_, err = cluster.NewCluster(policy, fc.Seeds())
	require.Error(t, err)
	require.ErrorIs(t, err, cluster.ErrClusterNameMismatch)
}

func TestClusterAuthentication(t *testing.T) {
	fc, err := testutils.NewFakeCluster(1)
	require.NoError(t, err)
	defer fc.Close()

	policy := testPolicy()
	policy.User = "admin"
	policy.Password = "hunter2"

	c, err := cluster.NewCluster(policy, fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.IsConnected())
}

func TestClusterRemovesCrashedNode(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3)
	require.NoError(t, err)
	defer fc.Close()

	policy := testPolicy()
	policy.RemovalFailureThreshold = 3

	c, err := cluster.NewCluster(policy, fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Nodes(), 3)

	fc.StopNode(2)

	require.Eventually(t, func() bool {
		return len(c.Nodes()) == 2
	}, tendWait, tendTick, "crashed node was not removed")

	assert.ElementsMatch(t, []string{"FAKE0000", "FAKE0001"}, nodeNames(c))
	assert.Nil(t, c.FindNodeByName("FAKE0002"))

	for i := 0; i < 10; i++ {
		node, err := c.GetRandomNode()
		require.NoError(t, err)
		assert.NotEqual(t, "FAKE0002", node.Name())
	}
}

func TestClusterRemovesDecommissionedNode(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	// the node keeps answering, it just leaves the advertised membership
	fc.RemoveMember(2)

	require.Eventually(t, func() bool {
		return len(c.Nodes()) == 2
	}, tendWait, tendTick, "decommissioned node was not removed")

	assert.ElementsMatch(t, []string{"FAKE0000", "FAKE0001"}, nodeNames(c))
}

func TestClusterPartitionMapCoverage(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3, "test", "cache")
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		pm := c.PartitionMap()
		return pm["test"] != nil && pm["cache"] != nil
	}, tendWait, tendTick, "partition map was not published")

	for _, namespace := range []string{"test", "cache"} {
		for _, partitionID := range []int{0, 1, 511, 2048, cluster.PartitionCount - 1} {
			node, err := c.GetMasterNode(namespace, partitionID)
			require.NoError(t, err, "%s partition %d has no master", namespace, partitionID)
			assert.True(t, node.Active())
		}
	}
}

func TestClusterRebalanceMovesMasters(t *testing.T) {
	fc, err := testutils.NewFakeCluster(3)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	const partitionID = 42

	expected := fc.Nodes[fc.MasterMember(partitionID)].NodeName
	require.Eventually(t, func() bool {
		node, err := c.GetMasterNode("test", partitionID)
		return err == nil && node.Name() == expected
	}, tendWait, tendTick, "initial ownership was not published")

	fc.Rebalance()

	moved := fc.Nodes[fc.MasterMember(partitionID)].NodeName
	require.NotEqual(t, expected, moved)

	require.Eventually(t, func() bool {
		node, err := c.GetMasterNode("test", partitionID)
		return err == nil && node.Name() == moved
	}, tendWait, tendTick, "rebalanced ownership was not picked up")
}

func TestClusterQuietCyclesPublishNothing(t *testing.T) {
	fc, err := testutils.NewFakeCluster(2)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		return c.PartitionMap()["test"] != nil
	}, tendWait, tendTick)

	version := c.Snapshot().Version

	// several tend intervals with no topology movement
	time.Sleep(8 * 50 * time.Millisecond)

	assert.Equal(t, version, c.Snapshot().Version)
}

func TestClusterWatchTopology(t *testing.T) {
	fc, err := testutils.NewFakeCluster(2)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh := c.WatchTopology(ctx)

	// the current view arrives immediately
	select {
	case snap := <-watchCh:
		require.NotNil(t, snap)
		assert.Len(t, snap.Nodes, 2)
	case <-time.After(tendWait):
		t.Fatal("no initial snapshot")
	}

	fc.Rebalance()

	select {
	case snap := <-watchCh:
		require.NotNil(t, snap)
		assert.NotNil(t, snap.Partitions["test"])
	case <-time.After(tendWait):
		t.Fatal("no snapshot after rebalance")
	}

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-watchCh:
			return !ok
		default:
			return false
		}
	}, tendWait, tendTick, "watch channel was not closed")
}

func TestClusterClose(t *testing.T) {
	fc, err := testutils.NewFakeCluster(2)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)

	require.True(t, c.IsConnected())

	c.Close()
	assert.False(t, c.IsConnected())

	_, err = c.GetRandomNode()
	assert.ErrorIs(t, err, cluster.ErrClusterClosed)

	// closing twice is fine
	c.Close()
}

func TestClusterServiceListDiscovery(t *testing.T) {
	nodeA, err := testutils.NewFakeNode("SVC0")
	require.NoError(t, err)
	defer nodeA.Stop()

	nodeB, err := testutils.NewFakeNode("SVC1")
	require.NoError(t, err)
	defer nodeB.Stop()

	// no peers capability: membership comes from each node's own
	// service list
	for _, node := range []*testutils.FakeNode{nodeA, nodeB} {
		node.SetResponse("features", func() string { return "replicas;float;pscans" })
	}
	nodeA.SetResponse("services", func() string { return nodeB.Addr() })
	nodeB.SetResponse("services", func() string { return nodeA.Addr() })

	c, err := cluster.NewCluster(testPolicy(), []*cluster.Host{nodeA.Host()})
	require.NoError(t, err)
	defer c.Close()

	assert.ElementsMatch(t, []string{"SVC0", "SVC1"}, nodeNames(c))
}

func TestClusterTLS(t *testing.T) {
	cert, err := selfsignedcert.GenerateCertificate("127.0.0.1")
	require.NoError(t, err)

	fc, err := testutils.NewFakeClusterTLS(2, cert)
	require.NoError(t, err)
	defer fc.Close()

	roots := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	roots.AddCert(leaf)

	policy := testPolicy()
	policy.TLSConfig = &tls.Config{RootCAs: roots}

	c, err := cluster.NewCluster(policy, fc.Seeds()[:1])
	require.NoError(t, err)
	defer c.Close()

	assert.ElementsMatch(t, []string{"FAKE0000", "FAKE0001"}, nodeNames(c))
}

func TestClusterAddSeeds(t *testing.T) {
	fc, err := testutils.NewFakeCluster(1)
	require.NoError(t, err)
	defer fc.Close()

	c, err := cluster.NewCluster(testPolicy(), fc.Seeds())
	require.NoError(t, err)
	defer c.Close()

	extra := cluster.NewHost("10.9.9.9", 3000)
	c.AddSeeds([]*cluster.Host{extra, fc.Seeds()[0], extra})

	seeds := c.Seeds()
	assert.Len(t, seeds, 2)
}
