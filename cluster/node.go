package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerospike/aerospike-client-csharp-sub013/info"
	"github.com/aerospike/aerospike-client-csharp-sub013/pool"
)

// Info-protocol commands the core depends on.
const (
	cmdNode                = "node"
	cmdFeatures            = "features"
	cmdClusterName         = "cluster-name"
	cmdPartitionGeneration = "partition-generation"
	cmdPeersGeneration     = "peers-generation"
	cmdPeersClearStd       = "peers-clear-std"
	cmdPeersTLSStd         = "peers-tls-std"
	cmdServices            = "services"
	cmdReplicas            = "replicas"
)

// nodeFeatures holds the capability flags learned once at validation.
// If any cluster member lacks a capability the whole cluster disables
// the feature, since client behavior must be uniform.
type nodeFeatures struct {
	peers          bool
	replicas       bool
	float          bool
	partitionScans bool
}

// Node is one living cluster member.  It owns its connection pool and
// knows how to refresh its own view of the cluster.  All lifecycle
// mutation happens on the tend goroutine; `active` is additionally read
// by application goroutines, hence the atomics.
type Node struct {
	cluster *Cluster
	logger  *zap.Logger

	name     string
	host     *Host
	features nodeFeatures

	aliasMu sync.Mutex
	aliases []*Host

	pool *pool.Pool

	active              atomic.Bool
	failures            atomic.Int32
	referenceCount      atomic.Int32
	partitionChanged    atomic.Bool
	peersGeneration     atomic.Int32
	partitionGeneration atomic.Int32
}

func newNode(c *Cluster, name string, host *Host, features nodeFeatures, aliases []*Host) *Node {
	n := &Node{
		cluster:  c,
		logger:   c.logger.With(zap.String("node", name)),
		name:     name,
		host:     host,
		features: features,
		aliases:  aliases,
	}

	n.active.Store(true)
	n.peersGeneration.Store(-1)
	n.partitionGeneration.Store(-1)

	dial := c.dialerFor(host)
	n.pool = pool.New(pool.Options{
		Logger:   n.logger,
		Capacity: c.policy.ConnectionQueueSize,
		Dial:     dial,
	})

	return n
}

func (n *Node) Name() string { return n.name }
func (n *Node) Host() *Host  { return n.host }

func (n *Node) Active() bool { return n.active.Load() }

func (n *Node) Failures() int { return int(n.failures.Load()) }

// ReferenceCount reports how many other nodes' peer lists referenced
// this node during the most recent tend cycle.
func (n *Node) ReferenceCount() int { return int(n.referenceCount.Load()) }

func (n *Node) SupportsFloat() bool          { return n.features.float }
func (n *Node) SupportsReplicas() bool       { return n.features.replicas }
func (n *Node) SupportsPeers() bool          { return n.features.peers }
func (n *Node) SupportsPartitionScans() bool { return n.features.partitionScans }

func (n *Node) String() string {
	return n.name + "@" + n.host.String()
}

// Aliases returns a copy of every known reachable address for this node.
func (n *Node) Aliases() []*Host {
	n.aliasMu.Lock()
	defer n.aliasMu.Unlock()

	out := make([]*Host, len(n.aliases))
	copy(out, n.aliases)
	return out
}

func (n *Node) addAlias(host *Host) {
	n.aliasMu.Lock()
	defer n.aliasMu.Unlock()

	for _, alias := range n.aliases {
		if alias.Equals(host) {
			return
		}
	}
	n.aliases = append(n.aliases, host)
}

// RequestInfo performs one info exchange using a pooled connection.
func (n *Node) RequestInfo(ctx context.Context, names ...string) (map[string]string, error) {
	conn, err := n.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(n.cluster.policy.Timeout)
	values, err := info.Request(conn, deadline, names...)
	if err != nil {
		n.pool.Discard(conn)
		return nil, err
	}

	// clear the exchange deadline before the connection is reused
	if err := conn.SetDeadline(time.Time{}); err != nil {
		n.pool.Discard(conn)
		return values, nil
	}

	n.pool.Put(conn)
	return values, nil
}

// Refresh issues the per-cycle status request: node identity check,
// partition generation, and either the peers generation or (in no-peers
// mode) the node's own service list.  On failure the previous state is
// left untouched; stale-but-available beats blocking.
func (n *Node) Refresh(ctx context.Context, peers *Peers) error {
	commands := []string{cmdNode, cmdPartitionGeneration}
	if peers.usePeers {
		commands = append(commands, cmdPeersGeneration)
	} else {
		commands = append(commands, cmdServices)
	}

	values, err := n.RequestInfo(ctx, commands...)
	if err != nil {
		n.refreshFailed(err)
		return err
	}

	if values[cmdNode] != n.name {
		// a different process answered on this address; the node value is
		// dead and a reconnect must produce a new Node.
		n.active.Store(false)
		n.refreshFailed(errNodeNameChanged)
		return errNodeNameChanged
	}

	if peers.usePeers {
		gen, err := strconv.Atoi(values[cmdPeersGeneration])
		if err != nil {
			n.refreshFailed(err)
			return errors.Wrap(err, "invalid peers generation")
		}
		if int32(gen) != n.peersGeneration.Load() {
			peers.markGenChanged()
		}
	} else {
		if err := n.refreshServices(ctx, values[cmdServices], peers); err != nil {
			n.refreshFailed(err)
			return err
		}
	}

	gen, err := strconv.Atoi(values[cmdPartitionGeneration])
	if err != nil {
		n.refreshFailed(err)
		return errors.Wrap(err, "invalid partition generation")
	}
	if int32(gen) != n.partitionGeneration.Load() {
		n.partitionChanged.Store(true)
	}

	n.failures.Store(0)
	return nil
}

// RefreshPeers fetches and parses this node's peer list, bumping the
// reference count of peers we already track and validating the rest into
// the cycle's accumulator.
func (n *Node) RefreshPeers(ctx context.Context, peers *Peers) error {
	command := cmdPeersClearStd
	if n.cluster.policy.TLSConfig != nil {
		command = cmdPeersTLSStd
	}

	values, err := n.RequestInfo(ctx, command)
	if err != nil {
		n.refreshFailed(err)
		return err
	}

	generation, peerList, err := parsePeerList(values[command])
	if err != nil {
		n.refreshFailed(err)
		return err
	}

	peers.appendPeers(peerList)

	for _, peer := range peerList {
		if node := n.cluster.findNodeByName(peer.Name); node != nil {
			node.referenceCount.Add(1)
			continue
		}
		if peers.findNode(peer.Name) != nil {
			continue
		}

		n.validatePeer(ctx, peer, peers)
	}

	n.peersGeneration.Store(int32(generation))
	peers.incRefreshCount()
	return nil
}

// validatePeer tries every address the peer advertises until one
// validates, then records the new node for addition.
func (n *Node) validatePeer(ctx context.Context, peer *Peer, peers *Peers) {
	for _, host := range peer.Hosts {
		if !peers.claimHost(host) {
			continue
		}

		node, err := n.cluster.validateHost(ctx, host)
		if err != nil {
			n.logger.Debug("peer host failed validation",
				zap.String("peer", peer.Name),
				zap.String("host", host.String()),
				zap.Error(err))
			continue
		}

		if node.name != peer.Name {
			n.logger.Warn("peer advertised under a different node name",
				zap.String("advertised", peer.Name),
				zap.String("actual", node.name))
		}

		if !peers.addNode(node) {
			node.Close()
		}
		return
	}
}

// refreshServices handles no-peers fallback mode, where each node's own
// service list is authoritative for membership discovery.
func (n *Node) refreshServices(ctx context.Context, response string, peers *Peers) error {
	hosts, err := parseServiceList(response, n.host.Port)
	if err != nil {
		return err
	}

	for _, host := range hosts {
		if node := n.cluster.findNodeByHost(host); node != nil {
			node.referenceCount.Add(1)
			continue
		}
		if !peers.claimHost(host) {
			continue
		}

		node, err := n.cluster.validateHost(ctx, host)
		if err != nil {
			n.logger.Debug("service host failed validation",
				zap.String("host", host.String()),
				zap.Error(err))
			continue
		}

		if existing := peers.findNode(node.name); existing != nil || n.cluster.findNodeByName(node.name) != nil {
			node.Close()
			continue
		}
		if !peers.addNode(node) {
			node.Close()
		}
	}

	peers.incRefreshCount()
	return nil
}

// RefreshPartitions fetches this node's partition ownership table and
// merges it into the cycle's scratch map.
func (n *Node) RefreshPartitions(ctx context.Context, scratch *partitionScratch) error {
	values, err := n.RequestInfo(ctx, cmdReplicas, cmdPartitionGeneration)
	if err != nil {
		n.refreshFailed(err)
		return err
	}

	if err := parseReplicas(values[cmdReplicas], n, scratch); err != nil {
		n.refreshFailed(err)
		return err
	}

	generation, err := strconv.Atoi(values[cmdPartitionGeneration])
	if err != nil {
		n.refreshFailed(err)
		return errors.Wrap(err, "invalid partition generation")
	}

	n.partitionGeneration.Store(int32(generation))
	n.partitionChanged.Store(false)
	return nil
}

func (n *Node) refreshFailed(err error) {
	n.failures.Add(1)
	n.logger.Debug("node refresh failed",
		zap.Int32("failures", n.failures.Load()),
		zap.Error(err))
}

// GetConnection borrows a connection from the node's pool for a data
// operation.  The caller must return it with PutConnection or dispose of
// it with CloseConnection.
func (n *Node) GetConnection(ctx context.Context) (net.Conn, error) {
	if !n.active.Load() {
		return nil, ErrInvalidNode
	}
	return n.pool.Get(ctx)
}

func (n *Node) PutConnection(conn net.Conn) {
	n.pool.Put(conn)
}

func (n *Node) CloseConnection(conn net.Conn) {
	n.pool.Discard(conn)
}

// Close marks the node inactive and drains its connection pool.  Nodes
// are never resurrected; a reconnect produces a new Node value even for
// the same host.
func (n *Node) Close() {
	if n.active.CompareAndSwap(true, false) {
		n.logger.Debug("node closed")
	}
	n.pool.Close()
}
