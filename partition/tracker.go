package partition

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
)

var (
	// ErrMaxRetriesExceeded means transient partition errors persisted
	// past the configured retry budget.
	ErrMaxRetriesExceeded = errors.New("partition: max retries exceeded")

	// ErrTrackerTimeout means the operation deadline elapsed with
	// partitions still pending.
	ErrTrackerTimeout = errors.New("partition: operation deadline exceeded")

	// ErrFilterDone means the filter was already fully drained.
	ErrFilterDone = errors.New("partition: filter already completed")
)

// Node is the slice of node behavior the cursor needs; satisfied by
// *cluster.Node.
type Node interface {
	Name() string
	Active() bool
}

// Router resolves a partition to its current master.  Satisfied via
// NewClusterRouter; tests substitute fakes.
type Router interface {
	MasterNode(namespace string, partitionID int) (Node, error)
}

type clusterRouter struct {
	c *cluster.Cluster
}

func (r clusterRouter) MasterNode(namespace string, partitionID int) (Node, error) {
	return r.c.GetMasterNode(namespace, partitionID)
}

// NewClusterRouter adapts a live Cluster for partition assignment.
func NewClusterRouter(c *cluster.Cluster) Router {
	return clusterRouter{c: c}
}

// NodePartitions is one node's work unit for one round: the partitions
// whose records that node should stream back.
type NodePartitions struct {
	Node Node

	// PartsFull are partitions being read from the beginning;
	// PartsPartial carry a digest to resume after.
	PartsFull    []*Status
	PartsPartial []*Status

	RecordCount      uint64
	PartsUnavailable int
}

// TrackerOptions carries the retry policy for one scan/query.
type TrackerOptions struct {
	// MaxRetries bounds how many assignment rounds past the first are
	// attempted.  Zero means no retries.
	MaxRetries int

	// SleepBetweenRetries is the caller's pause between rounds.
	SleepBetweenRetries time.Duration

	// Timeout bounds the whole operation across rounds.  Zero means no
	// deadline.
	Timeout time.Duration
}

// Tracker drives a scan or query across the partitions selected by a
// Filter.  One Tracker handles one execution attempt chain; progress
// lives in the filter's Status entries so a later Tracker over the same
// filter resumes where this one stopped.
type Tracker struct {
	opts   TrackerOptions
	filter *Filter

	mu         sync.Mutex
	partitions []*Status
	iteration  int
	deadline   time.Time
}

// NewTracker prepares a tracker over the filter's range.  A fresh filter
// gets a Status per partition with everything pending; a reused filter
// keeps its prior progress so fully-drained partitions are skipped.
func NewTracker(opts TrackerOptions, filter *Filter) (*Tracker, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if filter.Done {
		return nil, errors.WithStack(ErrFilterDone)
	}

	if filter.Partitions == nil {
		statuses := make([]*Status, filter.Count)
		for i := range statuses {
			statuses[i] = newStatus(filter.Begin + i)
		}
		if filter.Digest != nil {
			statuses[0].Digest = append([]byte(nil), filter.Digest...)
		}
		filter.Partitions = statuses
	}

	t := &Tracker{
		opts:       opts,
		filter:     filter,
		partitions: filter.Partitions,
	}

	if opts.Timeout > 0 {
		t.deadline = time.Now().Add(opts.Timeout)
	}

	return t, nil
}

// AssignPartitionsToNodes groups every pending partition by its current
// master.  Partitions whose ownership moved since the last round follow
// their new owner transparently, which is why progress is stored by
// partition id and digest rather than by node identity.
func (t *Tracker) AssignPartitionsToNodes(router Router, namespace string) ([]*NodePartitions, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byName := make(map[string]*NodePartitions)
	var list []*NodePartitions

	for _, ps := range t.partitions {
		if !ps.Retry {
			continue
		}

		node, err := router.MasterNode(namespace, ps.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %d", ps.ID)
		}

		np := byName[node.Name()]
		if np == nil {
			np = &NodePartitions{Node: node}
			byName[node.Name()] = np
			list = append(list, np)
		}

		ps.Retry = false
		ps.node = node
		ps.sequence = t.iteration

		if ps.Digest != nil {
			np.PartsPartial = append(np.PartsPartial, ps)
		} else {
			np.PartsFull = append(np.PartsFull, ps)
		}
	}

	t.iteration++
	return list, nil
}

// AllowRecord accounts one record delivered for the work unit.  Kept as
// a hook so duplicate suppression across retries stays in one place.
func (t *Tracker) AllowRecord(np *NodePartitions) bool {
	np.RecordCount++
	return true
}

// SetLast advances a partition's resume cursor to the record just
// delivered, so a retry resumes after it rather than from the start of
// the partition.
func (t *Tracker) SetLast(ps *Status, digest []byte, bval uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps.Digest = append(ps.Digest[:0], digest...)
	ps.BVal = bval
}

// PartitionStatus returns the cursor for one partition id within the
// tracked range.
func (t *Tracker) PartitionStatus(partitionID int) *Status {
	idx := partitionID - t.filter.Begin
	if idx < 0 || idx >= len(t.partitions) {
		return nil
	}
	return t.partitions[idx]
}

// PartitionUnavailable marks a partition for the next round without
// discarding progress already confirmed via SetLast.
func (t *Tracker) PartitionUnavailable(np *NodePartitions, ps *Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps.Retry = true
	np.PartsUnavailable++
}

// ShouldRetry reports whether a node-level error warrants another
// assignment round.  Transient unavailability re-queues every partition
// the unit was servicing; anything else propagates to the caller.
func (t *Tracker) ShouldRetry(np *NodePartitions, err error) bool {
	if !isRetryable(err) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ps := range np.PartsFull {
		ps.Retry = true
	}
	for _, ps := range np.PartsPartial {
		ps.Retry = true
	}
	np.PartsUnavailable = len(np.PartsFull) + len(np.PartsPartial)

	return true
}

func isRetryable(err error) bool {
	return errors.Is(err, cluster.ErrInvalidNode) ||
		errors.Is(err, cluster.ErrPartitionUnavailable) ||
		errors.Is(err, cluster.ErrInvalidNamespace)
}

// IsComplete decides whether the operation has drained every partition
// in range.  When partitions remain it validates the retry budget and
// deadline, returning false so the caller can sleep and run another
// assignment round.
func (t *Tracker) IsComplete() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := 0
	for _, ps := range t.partitions {
		if ps.Retry {
			pending++
		}
	}

	if pending == 0 {
		t.filter.Done = true
		t.filter.Retry = false
		return true, nil
	}

	t.filter.Retry = true

	if t.opts.MaxRetries >= 0 && t.iteration > t.opts.MaxRetries {
		return false, errors.Wrapf(ErrMaxRetriesExceeded, "%d partitions still pending after %d rounds", pending, t.iteration)
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		return false, errors.Wrapf(ErrTrackerTimeout, "%d partitions still pending", pending)
	}

	return false, nil
}

// SleepBetweenRetries reports the configured pause before the next
// round.
func (t *Tracker) SleepBetweenRetries() time.Duration {
	return t.opts.SleepBetweenRetries
}
