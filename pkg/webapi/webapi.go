// Package webapi serves the client's internal observability surface:
// metrics, health, and a JSON view of the current cluster topology.
package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Cluster       *cluster.Cluster
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	cluster       *cluster.Cluster
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		cluster:       opts.Cluster,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("client internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.cluster == nil || !w.cluster.IsConnected() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("not connected"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

type jsonTopologyNode struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Active   bool     `json:"active"`
	Failures int      `json:"failures"`
	Aliases  []string `json:"aliases,omitempty"`
}

type jsonTopologyNamespace struct {
	Replicas int  `json:"replicas"`
	CPMode   bool `json:"cp_mode"`

	// per-node master-owned partition counts
	Masters map[string]int `json:"masters"`
}

type jsonTopology struct {
	Version    uint64                           `json:"version"`
	Nodes      []jsonTopologyNode               `json:"nodes"`
	Namespaces map[string]jsonTopologyNamespace `json:"namespaces"`
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	if w.cluster == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := w.cluster.Snapshot()

	out := jsonTopology{
		Version:    snap.Version,
		Namespaces: make(map[string]jsonTopologyNamespace, len(snap.Partitions)),
	}

	for _, node := range snap.Nodes {
		jsonNode := jsonTopologyNode{
			Name:     node.Name(),
			Address:  node.Host().String(),
			Active:   node.Active(),
			Failures: node.Failures(),
		}
		for _, alias := range node.Aliases() {
			jsonNode.Aliases = append(jsonNode.Aliases, alias.String())
		}
		out.Nodes = append(out.Nodes, jsonNode)
	}

	for namespace, parts := range snap.Partitions {
		jsonNs := jsonTopologyNamespace{
			Replicas: len(parts.Replicas),
			CPMode:   parts.CPMode,
			Masters:  make(map[string]int),
		}
		for _, owner := range parts.Replicas[0] {
			if owner != nil {
				jsonNs.Masters[owner.Name()]++
			}
		}
		out.Namespaces[namespace] = jsonNs
	}

	rw.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(rw)
	if err := encoder.Encode(out); err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

func (w *WebServer) ListenAndServe() error {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth)
	r.HandleFunc("/topology", w.handleTopology)
	r.HandleFunc("/", w.handleRoot)

	handler := cors.Default().Handler(r)

	w.httpServer = &http.Server{
		Handler:      handler,
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
