// Package testutils provides an in-process fake cluster speaking the
// info protocol, used by the cluster and partition tests.
package testutils

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
	"github.com/aerospike/aerospike-client-csharp-sub013/info"
)

// FakeNode is one fake server.  Handlers are keyed by command name (the
// part before any ':' argument separator) and may be replaced at any
// point to simulate topology changes.
type FakeNode struct {
	NodeName string

	listener net.Listener
	stopped  atomic.Bool

	mu       sync.Mutex
	handlers map[string]func() string
	conns    map[net.Conn]bool
}

func NewFakeNode(name string) (*FakeNode, error) {
	return newFakeNode(name, nil)
}

// NewFakeNodeTLS serves the info protocol behind TLS using the given
// server certificate.
func NewFakeNodeTLS(name string, cert *tls.Certificate) (*FakeNode, error) {
	return newFakeNode(name, cert)
}

func newFakeNode(name string, cert *tls.Certificate) (*FakeNode, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	if cert != nil {
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{*cert},
		})
	}

	f := &FakeNode{
		NodeName: name,
		listener: listener,
		handlers: make(map[string]func() string),
		conns:    make(map[net.Conn]bool),
	}

	f.SetResponse("node", func() string { return name })
	f.SetResponse("features", func() string { return "peers;replicas;float;pscans" })
	f.SetResponse("cluster-name", func() string { return "" })
	f.SetResponse("peers-generation", func() string { return "1" })
	f.SetResponse("partition-generation", func() string { return "1" })
	f.SetResponse("peers-clear-std", func() string { return "1," + f.portString() + ",[]" })
	f.SetResponse("peers-tls-std", func() string { return "1," + f.portString() + ",[]" })
	f.SetResponse("replicas", func() string { return "" })
	f.SetResponse("services", func() string { return "" })
	f.SetResponse("login", func() string { return "ok" })

	go f.serve()
	return f, nil
}

func (f *FakeNode) Addr() string {
	return f.listener.Addr().String()
}

func (f *FakeNode) Port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *FakeNode) portString() string {
	_, port, _ := net.SplitHostPort(f.Addr())
	return port
}

// Host returns the seed host for this fake node.
func (f *FakeNode) Host() *cluster.Host {
	return cluster.NewHost("127.0.0.1", f.Port())
}

func (f *FakeNode) SetResponse(command string, fn func() string) {
	f.mu.Lock()
	f.handlers[command] = fn
	f.mu.Unlock()
}

// Stop closes the listener and every open connection so subsequent
// requests against this node fail like an unreachable server.
func (f *FakeNode) Stop() {
	if !f.stopped.CompareAndSwap(false, true) {
		return
	}

	_ = f.listener.Close()

	f.mu.Lock()
	for conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = make(map[net.Conn]bool)
	f.mu.Unlock()
}

func (f *FakeNode) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		if f.stopped.Load() {
			f.mu.Unlock()
			_ = conn.Close()
			return
		}
		f.conns[conn] = true
		f.mu.Unlock()

		go f.handleConn(conn)
	}
}

func (f *FakeNode) handleConn(conn net.Conn) {
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		names, err := info.ReadRequest(conn)
		if err != nil {
			return
		}

		values := make(map[string]string, len(names))
		for _, name := range names {
			key := name
			if idx := strings.IndexByte(name, ':'); idx >= 0 {
				key = name[:idx]
			}

			f.mu.Lock()
			handler := f.handlers[key]
			f.mu.Unlock()

			if handler != nil {
				values[name] = handler()
			}
		}

		if err := info.WriteResponse(conn, names, values); err != nil {
			return
		}
	}
}
