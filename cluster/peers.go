package cluster

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Peer is one cluster member learned from another node's peer list.
type Peer struct {
	Name    string
	TLSName string
	Hosts   []*Host
}

// Peers accumulates discovery results for a single tend cycle: candidate
// hosts seen, freshly validated nodes to add, and whether any node's
// peer generation moved since the previous cycle.  Refreshes within a
// cycle run concurrently, so all mutation goes through the mutex.  Not
// persisted across cycles.
type Peers struct {
	mu           sync.Mutex
	peers        []*Peer
	hosts        map[hostKey]bool
	nodes        map[string]*Node
	refreshCount int
	genChanged   bool
	usePeers     bool
}

func newPeers(capacity int) *Peers {
	return &Peers{
		peers:    make([]*Peer, 0, capacity),
		hosts:    make(map[hostKey]bool, capacity),
		nodes:    make(map[string]*Node, capacity),
		usePeers: true,
	}
}

func (p *Peers) appendPeers(peers []*Peer) {
	p.mu.Lock()
	p.peers = append(p.peers, peers...)
	p.mu.Unlock()
}

// claimHost marks a candidate host as seen and reports whether this
// caller was first, so each host is validated at most once per cycle.
func (p *Peers) claimHost(host *Host) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hosts[host.key()] {
		return false
	}
	p.hosts[host.key()] = true
	return true
}

// addNode records a freshly validated node for addition, returning false
// when another refresh already produced a node with the same name.
func (p *Peers) addNode(node *Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.nodes[node.name]; exists {
		return false
	}
	p.nodes[node.name] = node
	return true
}

func (p *Peers) findNode(name string) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[name]
}

func (p *Peers) markGenChanged() {
	p.mu.Lock()
	p.genChanged = true
	p.mu.Unlock()
}

func (p *Peers) generationChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genChanged
}

func (p *Peers) incRefreshCount() {
	p.mu.Lock()
	p.refreshCount++
	p.mu.Unlock()
}

func (p *Peers) refreshedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCount
}

func (p *Peers) nodesToAdd() []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	nodes := make([]*Node, 0, len(p.nodes))
	for _, node := range p.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// parsePeerList parses a peer-list response:
//
//	generation,defaultPort,[[name,tlsName,[host1,host2]],...]
//
// Hosts may carry an explicit ":port" suffix; otherwise defaultPort
// applies.  The peer list may be empty ("[]").
func parsePeerList(response string) (int, []*Peer, error) {
	genStr, rest, found := strings.Cut(response, ",")
	if !found {
		return 0, nil, errors.Errorf("malformed peer list %q", response)
	}

	generation, err := strconv.Atoi(genStr)
	if err != nil {
		return 0, nil, errors.Wrap(err, "invalid peers generation")
	}

	portStr, rest, found := strings.Cut(rest, ",")
	if !found {
		return 0, nil, errors.Errorf("malformed peer list %q", response)
	}

	defaultPort, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, nil, errors.Wrap(err, "invalid peers default port")
	}

	peers, err := parsePeerEntries(rest, defaultPort)
	if err != nil {
		return 0, nil, err
	}

	return generation, peers, nil
}

func parsePeerEntries(list string, defaultPort int) ([]*Peer, error) {
	list = strings.TrimSpace(list)
	if !strings.HasPrefix(list, "[") || !strings.HasSuffix(list, "]") {
		return nil, errors.Errorf("malformed peer entries %q", list)
	}

	list = list[1 : len(list)-1]
	if list == "" {
		return nil, nil
	}

	var peers []*Peer
	for len(list) > 0 {
		if list[0] == ',' {
			list = list[1:]
			continue
		}

		entry, remainder, err := splitBracketed(list)
		if err != nil {
			return nil, err
		}
		list = remainder

		peer, err := parsePeerEntry(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, nil
}

// splitBracketed removes one balanced [...] group from the front of s and
// returns its contents plus the remainder.
func splitBracketed(s string) (string, string, error) {
	if len(s) == 0 || s[0] != '[' {
		return "", "", errors.Errorf("malformed peer entry %q", s)
	}

	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}

	return "", "", errors.Errorf("unbalanced peer entry %q", s)
}

func parsePeerEntry(entry string, defaultPort int) (*Peer, error) {
	name, rest, found := strings.Cut(entry, ",")
	if !found || name == "" {
		return nil, errors.Errorf("malformed peer entry %q", entry)
	}

	tlsName, hostsPart, found := strings.Cut(rest, ",")
	if !found {
		return nil, errors.Errorf("malformed peer entry %q", entry)
	}

	hostsList, _, err := splitBracketed(hostsPart)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		Name:    name,
		TLSName: tlsName,
	}

	for _, hostStr := range strings.Split(hostsList, ",") {
		if hostStr == "" {
			continue
		}

		hostName, port, err := parsePeerHost(hostStr, defaultPort)
		if err != nil {
			return nil, err
		}

		host := NewHost(hostName, port)
		host.TLSName = tlsName
		peer.Hosts = append(peer.Hosts, host)
	}

	if len(peer.Hosts) == 0 {
		return nil, errors.Errorf("peer %q lists no hosts", name)
	}

	return peer, nil
}

// parsePeerHost splits one peer host reference, handling bare hostnames,
// "host:port", and bracketed IPv6 "[::1]:port" forms.
func parsePeerHost(hostStr string, defaultPort int) (string, int, error) {
	if strings.HasPrefix(hostStr, "[") {
		end := strings.IndexByte(hostStr, ']')
		if end < 0 {
			return "", 0, errors.Errorf("invalid peer host %q", hostStr)
		}

		name := hostStr[1:end]
		rest := hostStr[end+1:]
		if rest == "" {
			return name, defaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, errors.Errorf("invalid peer host %q", hostStr)
		}

		port, err := strconv.Atoi(rest[1:])
		if err != nil {
			return "", 0, errors.Wrapf(err, "invalid peer host %q", hostStr)
		}
		return name, port, nil
	}

	idx := strings.LastIndexByte(hostStr, ':')
	if idx < 0 || strings.Count(hostStr, ":") > 1 {
		// bare hostname or unbracketed IPv6 literal
		return hostStr, defaultPort, nil
	}

	port, err := strconv.Atoi(hostStr[idx+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid peer host %q", hostStr)
	}

	return hostStr[:idx], port, nil
}

// parseServiceList parses a no-peers-mode services response: a
// semicolon-separated list of host:port addresses.
func parseServiceList(response string, defaultPort int) ([]*Host, error) {
	var hosts []*Host

	for _, address := range strings.Split(response, ";") {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}

		name, port, err := splitServiceAddress(address, defaultPort)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, NewHost(name, port))
	}

	return hosts, nil
}

func splitServiceAddress(address string, defaultPort int) (string, int, error) {
	idx := strings.LastIndexByte(address, ':')
	if idx < 0 {
		return address, defaultPort, nil
	}

	port, err := strconv.Atoi(address[idx+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid service address %q", address)
	}

	return address[:idx], port, nil
}
