// This file is to handle things such as metrics/health/servers, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DescriptionSource lists the current description of every monitored
// server.
type DescriptionSource interface {
	Descriptions() []*description.ServerDescription
}

type DescriptionSourceFunc func() []*description.ServerDescription

func (f DescriptionSourceFunc) Descriptions() []*description.ServerDescription {
	return f()
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Servers       DescriptionSource
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	servers       DescriptionSource
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		servers:       opts.Servers,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar sdam internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

type topologyVersionJson struct {
	ProcessID string `json:"processId"`
	Counter   int64  `json:"counter"`
}

type serverJson struct {
	Address              string               `json:"address"`
	Type                 string               `json:"type"`
	State                string               `json:"state"`
	AverageRoundTripTime string               `json:"averageRoundTripTime"`
	MinWireVersion       *int32               `json:"minWireVersion,omitempty"`
	MaxWireVersion       *int32               `json:"maxWireVersion,omitempty"`
	TopologyVersion      *topologyVersionJson `json:"topologyVersion,omitempty"`
	SetName              string               `json:"setName,omitempty"`
	Primary              string               `json:"primary,omitempty"`
	ServiceID            string               `json:"serviceId,omitempty"`
	LastUpdateTime       time.Time            `json:"lastUpdateTime"`
	Reason               string               `json:"reason"`
	Error                string               `json:"error,omitempty"`
}

func newServerJson(desc *description.ServerDescription) serverJson {
	out := serverJson{
		Address:              desc.Address(),
		Type:                 desc.Type.String(),
		State:                desc.State.String(),
		AverageRoundTripTime: desc.AverageRoundTripTime.String(),
		LastUpdateTime:       desc.LastUpdateTime,
		Reason:               desc.ReasonChanged,
	}

	if desc.WireVersion != nil {
		out.MinWireVersion = &desc.WireVersion.Min
		out.MaxWireVersion = &desc.WireVersion.Max
	}
	if tv := desc.TopologyVersion; tv != nil {
		out.TopologyVersion = &topologyVersionJson{
			ProcessID: tv.ProcessID.Hex(),
			Counter:   tv.Counter,
		}
	}
	if rs := desc.ReplicaSetConfig; rs != nil {
		out.SetName = rs.Name
		out.Primary = rs.Primary
	}
	if desc.ServiceID != nil {
		out.ServiceID = desc.ServiceID.Hex()
	}
	if desc.HeartbeatErr != nil {
		out.Error = desc.HeartbeatErr.Error()
	}

	return out
}

func (w *WebServer) descriptions() []*description.ServerDescription {
	if w.servers == nil {
		return nil
	}

	descs := w.servers.Descriptions()
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Address() < descs[j].Address()
	})
	return descs
}

func (w *WebServer) handleServers(rw http.ResponseWriter, r *http.Request) {
	descs := w.descriptions()

	servers := make([]serverJson, 0, len(descs))
	for _, desc := range descs {
		servers = append(servers, newServerJson(desc))
	}

	body, err := json.Marshal(servers)
	if err != nil {
		w.logger.Warn("failed to encode server descriptions", zap.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	etag := strconv.Quote(strconv.FormatUint(xxhash.Sum64(body), 16))
	rw.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		rw.WriteHeader(http.StatusNotModified)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, err = rw.Write(body)
	if err != nil {
		w.logger.Debug("failed to write servers response", zap.Error(err))
	}
}

// handleHealth reports healthy once at least one server is reachable.
func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	for _, desc := range w.descriptions() {
		if desc.Type != description.ServerTypeUnknown {
			rw.WriteHeader(http.StatusOK)
			return
		}
	}
	rw.WriteHeader(http.StatusServiceUnavailable)
}

func (w *WebServer) handleLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	w.logLevel.ServeHTTP(rw, r)
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/servers", w.handleServers).Methods(http.MethodGet)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/log-level", w.handleLogLevel).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/", w.handleRoot)

	return otelhttp.NewHandler(r, "webapi")
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
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

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			globalWebServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
