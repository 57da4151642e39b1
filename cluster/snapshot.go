package cluster

import (
	"context"

	"github.com/aerospike/aerospike-client-csharp-sub013/utils/lastonly"
)

// TopologySnapshot is one immutable view of the cluster: the node array
// and partition map versions that were current together.  Snapshots are
// safe to hold across tend cycles; the referenced structures are never
// mutated after publication.
type TopologySnapshot struct {
	Version    uint64
	Nodes      []*Node
	Partitions PartitionMap
}

func (c *Cluster) snapshot() *TopologySnapshot {
	return &TopologySnapshot{
		Version:    c.version.Load(),
		Nodes:      c.Nodes(),
		Partitions: c.PartitionMap(),
	}
}

// Snapshot returns the current topology view.
func (c *Cluster) Snapshot() *TopologySnapshot {
	return c.snapshot()
}

// publishSnapshot hands the post-cycle view to every registered watcher.
// Watchers sit behind latest-only pipes, so a slow consumer only ever
// costs it intermediate snapshots, never tend-loop progress.
func (c *Cluster) publishSnapshot() {
	c.version.Add(1)
	snap := c.snapshot()

	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()

	for _, watcher := range c.watchers {
		watcher <- snap
	}
}

// WatchTopology delivers topology snapshots until ctx is cancelled or
// the cluster is closed, starting with the current view.  Intermediate
// snapshots may be skipped; the latest is always delivered.
func (c *Cluster) WatchTopology(ctx context.Context) <-chan *TopologySnapshot {
	inputCh, outputCh := lastonly.Pipe[*TopologySnapshot]()

	// registration and the initial send share the publish critical
	// section, so a concurrent publish cannot slip a newer snapshot in
	// ahead of the older registration view.  The send cannot block: the
	// pipe goroutine is always ready to receive.
	c.watcherMu.Lock()
	id := c.watcherSeq
	c.watcherSeq++
	c.watchers[id] = inputCh
	inputCh <- c.snapshot()
	c.watcherMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}

		c.watcherMu.Lock()
		delete(c.watchers, id)
		c.watcherMu.Unlock()

		close(inputCh)
	}()

	return outputCh
}
