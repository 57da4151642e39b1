package cluster

import (
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTendInterval            = 1 * time.Second
	DefaultConnectionTimeout       = 1 * time.Second
	DefaultConnectionQueueSize     = 64
	DefaultRemovalFailureThreshold = 5
	DefaultStabilizationCycles     = 3
	DefaultRefreshParallelism      = 8
)

// ClientPolicy configures cluster construction and the ongoing tend loop.
// The zero value is not usable directly; NewCluster fills in defaults for
// any zero field.
type ClientPolicy struct {
	Logger *zap.Logger

	// ClientID identifies this client instance in logs and metrics.  A
	// random UUID is assigned when left empty.
	ClientID string

	// User and Password enable the authentication handshake on every new
	// connection when non-empty.
	User     string
	Password string

	// ClusterName, when set, must match the name every validated node
	// reports.  Nodes reporting a different name are excluded.  It is also
	// the default TLS identity when a host carries no TLS name.
	ClusterName string

	// TLSConfig enables TLS on all node connections when non-nil.
	TLSConfig *tls.Config

	// Timeout bounds each socket-level info exchange, including the
	// initial dial.
	Timeout time.Duration

	// TendInterval is the delay between tend cycles.
	TendInterval time.Duration

	// ConnectionQueueSize caps the idle connections pooled per node.
	ConnectionQueueSize int

	// FailIfNotConnected makes NewCluster return an error when seeding
	// fails or the cluster does not stabilize, instead of continuing in
	// the background with best-effort state.
	FailIfNotConnected bool

	// RemovalFailureThreshold is the number of consecutive refresh
	// failures after which a node is dropped from the cluster.
	RemovalFailureThreshold int

	// StabilizationCycles caps how many tend cycles NewCluster runs while
	// waiting for the discovered node count to settle.
	StabilizationCycles int

	// RefreshParallelism bounds how many nodes are refreshed concurrently
	// within one tend cycle.
	RefreshParallelism int
}

func DefaultClientPolicy() *ClientPolicy {
	return &ClientPolicy{
		TendInterval:            DefaultTendInterval,
		Timeout:                 DefaultConnectionTimeout,
		ConnectionQueueSize:     DefaultConnectionQueueSize,
		FailIfNotConnected:      true,
		RemovalFailureThreshold: DefaultRemovalFailureThreshold,
		StabilizationCycles:     DefaultStabilizationCycles,
		RefreshParallelism:      DefaultRefreshParallelism,
	}
}

// withDefaults returns a copy with every zero field replaced by its
// default so the original policy is never mutated.
func (p *ClientPolicy) withDefaults() *ClientPolicy {
	out := *p

	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.ClientID == "" {
		out.ClientID = uuid.NewString()
	}
	if out.TendInterval <= 0 {
		out.TendInterval = DefaultTendInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultConnectionTimeout
	}
	if out.ConnectionQueueSize <= 0 {
		out.ConnectionQueueSize = DefaultConnectionQueueSize
	}
	if out.RemovalFailureThreshold <= 0 {
		out.RemovalFailureThreshold = DefaultRemovalFailureThreshold
	}
	if out.StabilizationCycles <= 0 {
		out.StabilizationCycles = DefaultStabilizationCycles
	}
	if out.RefreshParallelism <= 0 {
		out.RefreshParallelism = DefaultRefreshParallelism
	}

	return &out
}

// tlsNameFor resolves the expected TLS identity for a host: the host's
// own TLS name when present, otherwise the configured cluster name,
// otherwise the hostname itself.
func (p *ClientPolicy) tlsNameFor(host *Host) string {
	if host.TLSName != "" {
		return host.TLSName
	}
	if p.ClusterName != "" {
		return p.ClusterName
	}
	return host.Name
}
