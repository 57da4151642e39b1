package cluster

import (
	"context"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aerospike/aerospike-client-csharp-sub013/info"
	"github.com/aerospike/aerospike-client-csharp-sub013/pool"
)

// dialRetries bounds per-address connection attempts during validation.
const dialRetries = 2

// dialerFor builds the connection factory for one endpoint, layering the
// authentication handshake on top when credentials are configured.
func (c *Cluster) dialerFor(host *Host) pool.Dialer {
	policy := c.policy
	base := pool.NewDialer(host.String(), policy.Timeout, policy.TLSConfig, policy.tlsNameFor(host))

	if policy.User == "" {
		return base
	}

	return func(ctx context.Context) (net.Conn, error) {
		conn, err := base(ctx)
		if err != nil {
			return nil, err
		}

		deadline := time.Now().Add(policy.Timeout)
		if err := info.Authenticate(conn, deadline, policy.User, policy.Password); err != nil {
			_ = conn.Close()
			return nil, err
		}

		if err := conn.SetDeadline(time.Time{}); err != nil {
			_ = conn.Close()
			return nil, err
		}

		return conn, nil
	}
}

// validateHost establishes a connection to a candidate host, performs the
// identity handshake, and produces a validated Node.  Every resolved IP
// for a hostname is tried before giving up; the returned error aggregates
// each address failure.
func (c *Cluster) validateHost(ctx context.Context, host *Host) (*Node, error) {
	addresses, err := c.resolveHost(ctx, host.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", host.Name)
	}

	var errs error
	for _, address := range addresses {
		node, err := c.validateAddress(ctx, host, address)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "address %s", address))
			continue
		}
		return node, nil
	}

	return nil, errs
}

func (c *Cluster) resolveHost(ctx context.Context, name string) ([]string, error) {
	if net.ParseIP(name) != nil {
		return []string{name}, nil
	}
	return net.DefaultResolver.LookupHost(ctx, name)
}

func (c *Cluster) validateAddress(ctx context.Context, seedHost *Host, address string) (*Node, error) {
	policy := c.policy

	// carry the seed's expected TLS identity over to the resolved address
	addrHost := &Host{
		Name:    address,
		TLSName: policy.tlsNameFor(seedHost),
		Port:    seedHost.Port,
	}

	dial := c.dialerFor(addrHost)

	var conn net.Conn
	connect := func() error {
		var err error
		conn, err = dial(ctx)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	if err := backoff.Retry(connect, bo); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(policy.Timeout)
	values, err := info.Request(conn, deadline, cmdNode, cmdFeatures, cmdClusterName)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	name := values[cmdNode]
	if name == "" {
		_ = conn.Close()
		return nil, errors.New("node reported no name")
	}

	if policy.ClusterName != "" {
		reported := values[cmdClusterName]
		if reported != "" && reported != policy.ClusterName {
			_ = conn.Close()
			c.logger.Warn("node excluded: cluster name mismatch",
				zap.String("host", addrHost.String()),
				zap.String("reported", reported),
				zap.String("expected", policy.ClusterName))
			return nil, errors.Wrapf(ErrClusterNameMismatch, "node %s reports cluster %q", name, reported)
		}
	}

	aliases := []*Host{addrHost}
	if !addrHost.Equals(seedHost) {
		aliases = append(aliases, seedHost)
	}

	node := newNode(c, name, addrHost, parseFeatures(values[cmdFeatures]), aliases)

	// hand the validated connection to the node's pool rather than
	// dialing again on first use
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
	} else {
		node.pool.Put(conn)
	}

	return node, nil
}

func parseFeatures(value string) nodeFeatures {
	var features nodeFeatures

	start := 0
	for i := 0; i <= len(value); i++ {
		if i != len(value) && value[i] != ';' {
			continue
		}

		switch value[start:i] {
		case "peers":
			features.peers = true
		case "replicas":
			features.replicas = true
		case "float":
			features.float = true
		case "pscans":
			features.partitionScans = true
		}
		start = i + 1
	}

	return features
}
