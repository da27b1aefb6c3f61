package webapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, descs ...*description.ServerDescription) (*WebServer, http.Handler) {
	level := zap.NewAtomicLevel()
	w := NewWebServer(WebServerOptions{
		Logger:   zaptest.NewLogger(t),
		LogLevel: &level,
		Servers: DescriptionSourceFunc(func() []*description.ServerDescription {
			return append([]*description.ServerDescription(nil), descs...)
		}),
	})
	return w, w.Handler()
}

func get(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	_, h := newTestServer(t)

	rec := get(h, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webapi")
}

func TestServers(t *testing.T) {
	clusterID := description.NewClusterID()
	tv := description.NewTopologyVersion(bson.NewObjectID(), 3)

	up := description.NewServerDescription(
		description.ServerID{ClusterID: clusterID, Address: "b:18098"},
		description.WithType(description.ServerTypeStandalone),
		description.WithState(description.ServerStateConnected),
		description.WithTopologyVersion(tv))
	down := description.NewServerDescription(
		description.ServerID{ClusterID: clusterID, Address: "a:18098"},
		description.WithHeartbeatError(errors.New("connection refused")))

	_, h := newTestServer(t, up, down)

	rec := get(h, "/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var servers []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &servers))
	require.Len(t, servers, 2)

	assert.Equal(t, "a:18098", servers[0]["address"])
	assert.Equal(t, "connection refused", servers[0]["error"])
	assert.Equal(t, "b:18098", servers[1]["address"])
	assert.Equal(t, description.ServerTypeStandalone.String(), servers[1]["type"])
	assert.Equal(t, map[string]any{
		"processId": tv.ProcessID.Hex(),
		"counter":   float64(3),
	}, servers[1]["topologyVersion"])

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = get(h, "/servers", http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHealth(t *testing.T) {
	serverID := description.ServerID{ClusterID: "cluster", Address: "a:18098"}
	unknown := description.NewServerDescription(serverID)

	_, h := newTestServer(t, unknown)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/health", nil).Code)

	_, h = newTestServer(t, unknown, unknown.With(description.WithType(description.ServerTypeRSPrimary)))
	assert.Equal(t, http.StatusOK, get(h, "/health", nil).Code)
}

func TestLogLevel(t *testing.T) {
	w, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/log-level", strings.NewReader(`{"level":"debug"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, w.logLevel.Level())
}

func TestMetrics(t *testing.T) {
	_, h := newTestServer(t)

	rec := get(h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
