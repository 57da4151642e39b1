// Package partition implements the scan/query cursor: decomposing a
// partition range into per-node work units against the live routing
// view, and tracking per-partition progress so retries resume after the
// last delivered record instead of starting over.
package partition

import (
	"github.com/pkg/errors"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
)

// Status tracks one partition's progress during an in-flight scan or
// query: the resume position (digest and bval of the last delivered
// record) and whether the partition still needs servicing.
type Status struct {
	ID     int
	BVal   uint64
	Digest []byte

	// Retry marks the partition as still requiring work, either because
	// it has not been assigned yet or because its node reported it
	// unavailable mid-stream.
	Retry bool

	// transient per-round fields
	node     Node
	sequence int
}

func newStatus(id int) *Status {
	return &Status{ID: id, Retry: true}
}

// Filter selects the partitions a scan or query covers.  Callers create
// it once and pass the same value across retries of the same logical
// operation; Partitions is the only field applications persist for
// resumable scans.
type Filter struct {
	Begin  int
	Count  int
	Digest []byte

	// Partitions is populated on first use and mutated in place as the
	// operation progresses.
	Partitions []*Status

	// Done is set once every partition in range has been fully drained.
	Done bool

	// Retry records whether the previous round left partitions pending.
	Retry bool
}

// NewFilterAll covers every partition.
func NewFilterAll() *Filter {
	return &Filter{Begin: 0, Count: cluster.PartitionCount}
}

// NewFilterByID covers a single partition.
func NewFilterByID(id int) *Filter {
	return &Filter{Begin: id, Count: 1}
}

// NewFilterByRange covers count partitions starting at begin.
func NewFilterByRange(begin, count int) *Filter {
	return &Filter{Begin: begin, Count: count}
}

// NewFilterAfter resumes a scan after the record with the given digest:
// it covers that record's partition onward, skipping records up to and
// including the digest within the first partition.
func NewFilterAfter(digest []byte) *Filter {
	begin := cluster.PartitionForDigest(digest)
	return &Filter{
		Begin:  begin,
		Count:  cluster.PartitionCount - begin,
		Digest: append([]byte(nil), digest...),
	}
}

func (f *Filter) validate() error {
	if f.Begin < 0 || f.Begin >= cluster.PartitionCount {
		return errors.Errorf("partition: filter begin %d out of range", f.Begin)
	}
	if f.Count <= 0 || f.Begin+f.Count > cluster.PartitionCount {
		return errors.Errorf("partition: filter range [%d,%d) out of range", f.Begin, f.Begin+f.Count)
	}
	if f.Partitions != nil && len(f.Partitions) != f.Count {
		return errors.Errorf("partition: filter carries %d statuses for a range of %d", len(f.Partitions), f.Count)
	}
	return nil
}
