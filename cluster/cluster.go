// Package cluster implements the client-side cluster membership and
// partition-routing core: a background tend loop discovers nodes, tracks
// partition ownership across replicas, and publishes copy-on-write
// snapshots that request-issuing goroutines read without locks.
package cluster

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/aerospike/aerospike-client-csharp-sub013/pkg/metrics"
)

type Cluster struct {
	policy  *ClientPolicy
	logger  *zap.Logger
	metrics *metrics.ClusterMetrics

	seedMu sync.Mutex
	seeds  []*Host

	// nodes and partitionMap are copy-on-write: the tend goroutine is the
	// only writer and publishes new versions with a single atomic swap.
	nodes        atomic.Pointer[[]*Node]
	partitionMap atomic.Pointer[PartitionMap]
	version      atomic.Uint64

	// tend-owned indexes; only touched by the tend goroutine and the
	// refresh goroutines it joins within a cycle.
	nodesByName map[string]*Node
	nodesByHost map[hostKey]*Node

	nodeRotation    atomic.Uint64
	replicaRotation atomic.Uint64

	supportsFloat          atomic.Bool
	supportsPartitionScans atomic.Bool

	watcherMu  sync.Mutex
	watchers   map[int]chan<- *TopologySnapshot
	watcherSeq int

	ctx         context.Context
	cancel      context.CancelFunc
	tendDone    chan struct{}
	tendStarted atomic.Bool
	closed      atomic.Bool
}

// NewCluster validates the seed hosts, runs tend cycles until the
// discovered node count stabilizes, and starts the background tend loop.
// With FailIfNotConnected unset, seeding and stabilization failures are
// logged and retried by the loop instead of being returned.
func NewCluster(policy *ClientPolicy, seeds []*Host) (*Cluster, error) {
	if len(seeds) == 0 {
		return nil, errors.New("cluster: at least one seed host is required")
	}

	policy = policy.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cluster{
		policy:      policy,
		logger:      policy.Logger.With(zap.String("client_id", policy.ClientID)),
		metrics:     metrics.GetClusterMetrics(),
		seeds:       append([]*Host(nil), seeds...),
		nodesByName: make(map[string]*Node),
		nodesByHost: make(map[hostKey]*Node),
		watchers:    make(map[int]chan<- *TopologySnapshot),
		ctx:         ctx,
		cancel:      cancel,
		tendDone:    make(chan struct{}),
	}

	emptyNodes := []*Node{}
	c.nodes.Store(&emptyNodes)
	emptyMap := make(PartitionMap)
	c.partitionMap.Store(&emptyMap)

	if err := c.waitTillStabilized(); err != nil {
		if policy.FailIfNotConnected {
			c.Close()
			return nil, err
		}
		c.logger.Warn("continuing with unstable cluster state", zap.Error(err))
	}

	c.tendStarted.Store(true)
	go c.tendLoop()

	return c, nil
}

// waitTillStabilized repeats the tend cycle until the node count is
// unchanged between two consecutive cycles, bounded by the configured
// stabilization cap so control is not returned mid-discovery.
func (c *Cluster) waitTillStabilized() error {
	lastCount := -1

	for i := 0; i < c.policy.StabilizationCycles; i++ {
		if err := c.tend(c.ctx); err != nil {
			if c.policy.FailIfNotConnected {
				return err
			}
			c.logger.Warn("tend cycle failed during startup", zap.Error(err))
		}

		count := len(c.Nodes())
		if count > 0 && count == lastCount {
			c.logger.Info("cluster stabilized", zap.Int("nodes", count))
			return nil
		}
		lastCount = count
	}

	return errors.WithStack(ErrClusterNotStable)
}

func (c *Cluster) tendLoop() {
	defer close(c.tendDone)

	ticker := time.NewTicker(c.policy.TendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.tend(c.ctx); err != nil {
				c.logger.Warn("tend cycle failed", zap.Error(err))
			}
		}
	}
}

// tend runs one reconciliation cycle: seed if empty, refresh every node,
// propagate peer changes, merge partition ownership, and publish the
// resulting node array and partition map.
func (c *Cluster) tend(ctx context.Context) error {
	c.metrics.TendCycles.Inc()

	nodes := c.Nodes()
	if len(nodes) == 0 {
		if err := c.seedNodes(ctx); err != nil {
			c.metrics.TendFailures.Inc()
			return err
		}
		nodes = c.Nodes()
	}

	// accumulator sized generously to avoid reallocation mid-cycle
	peers := newPeers(len(nodes) + 16)

	for _, node := range nodes {
		node.referenceCount.Store(0)
		node.partitionChanged.Store(false)
		if !node.SupportsPeers() {
			// client behavior must be uniform, so one legacy node drops the
			// whole cycle to service-list discovery
			peers.usePeers = false
		}
	}

	c.refreshNodes(ctx, nodes, peers)

	// a generation change on any one node may need propagating through the
	// peer tables of the others too, so refresh them all
	if peers.usePeers && peers.generationChanged() {
		c.refreshNodePeers(ctx, nodes, peers)
	}

	scratch := newPartitionScratch(c.PartitionMap())
	for _, node := range nodes {
		if node.Active() && node.partitionChanged.Load() {
			if err := node.RefreshPartitions(ctx, scratch); err != nil {
				c.logger.Debug("partition refresh failed",
					zap.Stringer("node", node), zap.Error(err))
			}
		}
	}

	removeList := c.findNodesToRemove(nodes, peers, scratch.pm)
	toAdd := peers.nodesToAdd()

	// remove-then-add as two separate copy-on-write swaps so concurrent
	// readers never observe a half-updated array
	if len(removeList) > 0 {
		c.removeNodes(removeList)
	}
	if len(toAdd) > 0 {
		c.addNodes(toAdd)
	}

	if scratch.changed {
		pm := scratch.pm
		c.partitionMap.Store(&pm)
		c.metrics.PartitionMapRefreshes.Inc()
	}

	c.refreshFeatures()
	c.metrics.ActiveNodes.Set(float64(len(c.Nodes())))

	if scratch.changed || len(removeList) > 0 || len(toAdd) > 0 {
		c.publishSnapshot()
	}

	return nil
}

func (c *Cluster) refreshNodes(ctx context.Context, nodes []*Node, peers *Peers) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.RefreshParallelism)

	for _, node := range nodes {
		node := node
		g.Go(func() error {
			// per-node failures are tracked on the node itself; one bad
			// node must not abort the cycle
			_ = node.Refresh(gctx, peers)
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Cluster) refreshNodePeers(ctx context.Context, nodes []*Node, peers *Peers) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.RefreshParallelism)

	for _, node := range nodes {
		if !node.Active() || node.Failures() > 0 {
			continue
		}

		node := node
		g.Go(func() error {
			_ = node.RefreshPeers(gctx, peers)
			return nil
		})
	}

	_ = g.Wait()
}

// seedNodes attempts every configured seed host.  Failing seeds are
// tolerated as long as at least one validates; a total failure returns
// an aggregate error listing every one.
func (c *Cluster) seedNodes(ctx context.Context) error {
	seeds := c.Seeds()

	var errs error
	byName := make(map[string]*Node, len(seeds))
	var toAdd []*Node

	for _, seed := range seeds {
		node, err := c.validateHost(ctx, seed)
		if err != nil {
			c.logger.Debug("seed host failed validation",
				zap.String("seed", seed.String()), zap.Error(err))
			errs = multierr.Append(errs, errors.Wrapf(err, "seed %s", seed))
			continue
		}

		if existing, ok := byName[node.name]; ok {
			// two seed addresses reached the same member
			existing.addAlias(node.host)
			node.Close()
			continue
		}

		byName[node.name] = node
		toAdd = append(toAdd, node)
	}

	if len(toAdd) == 0 {
		return multierr.Combine(ErrClusterUnreachable, errs)
	}

	c.addNodes(toAdd)
	return nil
}

// findNodesToRemove applies the removal rules: (a) no longer active,
// (b) too many consecutive refresh failures, (c) reachable but fully
// decommissioned (unreferenced by any peer list and absent from the
// updated partition map).  Rule (c) only applies on cycles where at
// least one peer response was actually collected, otherwise every
// reference count would be a meaningless zero.
func (c *Cluster) findNodesToRemove(nodes []*Node, peers *Peers, pm PartitionMap) []*Node {
	refreshed := peers.refreshedCount()

	var removeList []*Node
	for _, node := range nodes {
		switch {
		case !node.Active():
			removeList = append(removeList, node)

		case node.Failures() >= c.policy.RemovalFailureThreshold:
			removeList = append(removeList, node)

		case refreshed > 0 && node.Failures() == 0 && node.ReferenceCount() == 0 &&
			len(nodes) > 1 && !pm.containsNode(node):
			removeList = append(removeList, node)
		}
	}

	return removeList
}

func (c *Cluster) removeNodes(removeList []*Node) {
	removeSet := make(map[*Node]bool, len(removeList))
	for _, node := range removeList {
		removeSet[node] = true
	}

	old := c.Nodes()
	kept := make([]*Node, 0, len(old))
	for _, node := range old {
		if !removeSet[node] {
			kept = append(kept, node)
		}
	}
	c.storeNodes(kept)

	for _, node := range removeList {
		node.Close()
		c.metrics.NodesRemoved.Inc()
		c.logger.Info("node removed", zap.Stringer("node", node))
	}
}

func (c *Cluster) addNodes(toAdd []*Node) {
	old := c.Nodes()
	combined := make([]*Node, 0, len(old)+len(toAdd))
	combined = append(combined, old...)

	for _, node := range toAdd {
		if c.nodesByName[node.name] != nil {
			// the same member validated twice within one cycle
			node.Close()
			continue
		}
		combined = append(combined, node)
		c.nodesByName[node.name] = node
		c.metrics.NodesAdded.Inc()
		c.logger.Info("node added", zap.Stringer("node", node))
	}

	c.storeNodes(combined)
}

// storeNodes publishes a new node array and rebuilds the tend-owned
// lookup indexes from it.  The array is kept sorted by node name so
// successive snapshots of the same membership are identical.
func (c *Cluster) storeNodes(nodes []*Node) {
	slices.SortFunc(nodes, func(a, b *Node) int {
		return strings.Compare(a.name, b.name)
	})

	byName := make(map[string]*Node, len(nodes))
	byHost := make(map[hostKey]*Node, len(nodes))
	for _, node := range nodes {
		byName[node.name] = node
		for _, alias := range node.Aliases() {
			byHost[alias.key()] = node
		}
	}

	c.nodesByName = byName
	c.nodesByHost = byHost
	c.nodes.Store(&nodes)
}

func (c *Cluster) findNodeByName(name string) *Node {
	return c.nodesByName[name]
}

func (c *Cluster) findNodeByHost(host *Host) *Node {
	return c.nodesByHost[host.key()]
}

// refreshFeatures recomputes the cluster-wide capability gates: a
// feature is enabled only when every active node supports it.
func (c *Cluster) refreshFeatures() {
	allFloat := true
	allPartitionScans := true

	for _, node := range c.Nodes() {
		if !node.Active() {
			continue
		}
		if !node.SupportsFloat() {
			allFloat = false
		}
		if !node.SupportsPartitionScans() {
			allPartitionScans = false
		}
	}

	c.supportsFloat.Store(allFloat)
	c.supportsPartitionScans.Store(allPartitionScans)
}

// Nodes returns the current copy-on-write node array.  Callers must
// capture the result once and iterate that snapshot.
func (c *Cluster) Nodes() []*Node {
	return *c.nodes.Load()
}

// PartitionMap returns the current partition map snapshot.
func (c *Cluster) PartitionMap() PartitionMap {
	return *c.partitionMap.Load()
}

// FindNodeByName returns the active-array node with the given stable
// name, or nil.
func (c *Cluster) FindNodeByName(name string) *Node {
	for _, node := range c.Nodes() {
		if node.name == name {
			return node
		}
	}
	return nil
}

// Seeds returns a copy of the configured seed hosts.
func (c *Cluster) Seeds() []*Host {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	return append([]*Host(nil), c.seeds...)
}

// AddSeeds appends seed hosts used on subsequent (re)seeding attempts.
func (c *Cluster) AddSeeds(hosts []*Host) {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()

	for _, host := range hosts {
		duplicate := false
		for _, seed := range c.seeds {
			if seed.Equals(host) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			c.seeds = append(c.seeds, host)
		}
	}
}

func (c *Cluster) SupportsFloat() bool          { return c.supportsFloat.Load() }
func (c *Cluster) SupportsPartitionScans() bool { return c.supportsPartitionScans.Load() }

// IsConnected reports whether the cluster has at least one active node
// and has not been closed.
func (c *Cluster) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	for _, node := range c.Nodes() {
		if node.Active() {
			return true
		}
	}
	return false
}

// GetMasterNode returns the current master for the partition, with
// strict-master semantics: an inactive master is an error, never a
// silent fallback.
func (c *Cluster) GetMasterNode(namespace string, partitionID int) (*Node, error) {
	parts, err := c.namespacePartitions(namespace)
	if err != nil {
		return nil, err
	}
	if partitionID < 0 || partitionID >= PartitionCount {
		return nil, errors.Errorf("cluster: partition id %d out of range", partitionID)
	}

	node := parts.Replicas[0][partitionID]
	if node == nil || !node.Active() {
		return nil, errors.Wrapf(ErrInvalidNode, "no active master for %s partition %d", namespace, partitionID)
	}

	return node, nil
}

// GetMasterProlesNode returns any active replica for the partition,
// scanning replica levels from a rotating start index.  In CP mode an
// all-inactive partition is an error; in AP mode it falls back to a
// random active node.
func (c *Cluster) GetMasterProlesNode(namespace string, partitionID int) (*Node, error) {
	parts, err := c.namespacePartitions(namespace)
	if err != nil {
		return nil, err
	}
	if partitionID < 0 || partitionID >= PartitionCount {
		return nil, errors.Errorf("cluster: partition id %d out of range", partitionID)
	}

	replicaCount := len(parts.Replicas)
	start := int(c.replicaRotation.Add(1) % uint64(replicaCount))

	for i := 0; i < replicaCount; i++ {
		node := parts.Replicas[(start+i)%replicaCount][partitionID]
		if node != nil && node.Active() {
			return node, nil
		}
	}

	if parts.CPMode {
		return nil, errors.Wrapf(ErrInvalidNode, "no active replica for %s partition %d", namespace, partitionID)
	}

	return c.GetRandomNode()
}

// GetRandomNode round-robins through the node array skipping inactive
// nodes.
func (c *Cluster) GetRandomNode() (*Node, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(ErrClusterClosed)
	}

	nodes := c.Nodes()
	for i := 0; i < len(nodes); i++ {
		node := nodes[int(c.nodeRotation.Add(1)%uint64(len(nodes)))]
		if node.Active() {
			return node, nil
		}
	}

	return nil, errors.WithStack(ErrInvalidNode)
}

func (c *Cluster) namespacePartitions(namespace string) (*Partitions, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(ErrClusterClosed)
	}

	pm := c.PartitionMap()
	parts := pm[namespace]
	if parts == nil {
		return nil, errors.Wrapf(ErrInvalidNamespace, "namespace %q", namespace)
	}
	return parts, nil
}

// Close stops the tend loop and closes every node's connections.  Safe
// to call more than once.
func (c *Cluster) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()
	if c.tendStarted.Load() {
		<-c.tendDone
	}

	for _, node := range c.Nodes() {
		node.Close()
	}

	c.logger.Info("cluster closed")
}
