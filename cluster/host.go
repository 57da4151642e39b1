package cluster

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/aerospike/aerospike-client-csharp-sub013/utils/netutils"
)

// Host identifies a network endpoint independent of cluster membership
// state.  Equality is by name and port; the TLS name only affects which
// certificate identity is expected when dialing.
type Host struct {
	Name    string
	TLSName string
	Port    int
}

func NewHost(name string, port int) *Host {
	return &Host{Name: name, Port: port}
}

func (h *Host) String() string {
	return netutils.JoinHostPort(h.Name, h.Port)
}

func (h *Host) Equals(other *Host) bool {
	return h.Name == other.Name && h.Port == other.Port
}

// hostKey is the comparable form of a Host used for set membership.
type hostKey struct {
	name string
	port int
}

func (h *Host) key() hostKey {
	return hostKey{name: h.Name, port: h.Port}
}

// ParseHosts parses a comma-separated seed list such as
// "10.0.0.1:3000,10.0.0.2" applying defaultPort where none is given.
func ParseHosts(addresses string, defaultPort int) ([]*Host, error) {
	var hosts []*Host

	for _, address := range strings.Split(addresses, ",") {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}

		name, port, err := netutils.SplitHostPort(address, defaultPort)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid seed address %q", address)
		}

		hosts = append(hosts, NewHost(name, port))
	}

	if len(hosts) == 0 {
		return nil, errors.New("cluster: no seed hosts provided")
	}

	return hosts, nil
}
