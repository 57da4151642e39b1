package cluster

import (
	"github.com/pkg/errors"
)

// Routing and topology errors carry distinct sentinels so callers can
// branch on retry-worthiness with errors.Is.
var (
	// ErrInvalidNode means routing found no eligible node for the
	// requested partition.  Never retried by the routing layer itself.
	ErrInvalidNode = errors.New("cluster: no eligible node available")

	// ErrClusterUnreachable means every seed host failed to validate.
	ErrClusterUnreachable = errors.New("cluster: no seed host could be reached")

	// ErrInvalidNamespace means the partition map holds no entry for the
	// requested namespace.
	ErrInvalidNamespace = errors.New("cluster: unknown namespace")

	// ErrClusterNameMismatch means a node reported a cluster name other
	// than the configured one; the node is excluded from membership.
	ErrClusterNameMismatch = errors.New("cluster: node belongs to a different cluster")

	// ErrClusterNotStable means the node count kept changing during the
	// startup stabilization window.
	ErrClusterNotStable = errors.New("cluster: topology did not stabilize during startup")

	// ErrClusterClosed means the cluster handle has been shut down.
	ErrClusterClosed = errors.New("cluster: closed")

	// ErrPartitionUnavailable means the server could not service a
	// partition, typically mid-migration.  Transient; scan/query cursors
	// recover by reassigning the partition on their next round.
	ErrPartitionUnavailable = errors.New("cluster: partition temporarily unavailable")

	errNodeNameChanged = errors.New("cluster: node name changed between refreshes")
)
