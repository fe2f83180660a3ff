package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCgroups struct {
	infos map[uint64]maps.CgroupInfo
}

func (f *fakeCgroups) Cached() []maps.CgroupInfo {
	out := make([]maps.CgroupInfo, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out
}

func (f *fakeCgroups) Invalidate(id uint64) bool {
	_, ok := f.infos[id]
	delete(f.infos, id)
	return ok
}

func (f *fakeCgroups) InvalidateAll() int {
	n := len(f.infos)
	f.infos = map[uint64]maps.CgroupInfo{}
	return n
}

func newTestServer(t *testing.T) (*NodeDaemonCli, *fakeCgroups, *maps.Tables) {
	t.Helper()
	tables, err := maps.NewLRUTables(maps.DefaultTablesConfig())
	require.NoError(t, err)
	cgroups := &fakeCgroups{infos: map[uint64]maps.CgroupInfo{
		7: {ID: 7, IsInMesh: true, PodIP: netip.MustParseAddr("10.0.0.5")},
		8: {ID: 8},
	}}
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	return GenerateRemoteCliSocketServer(sockPath, cgroups, tables, zaptest.NewLogger(t)), cgroups, tables
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCgroupEndpoints(t *testing.T) {
	nc, cgroups, _ := newTestServer(t)
	h := nc.Handler()

	rec := do(t, h, http.MethodGet, "/cgroups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []CgroupView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Len(t, views, 2)

	rec = do(t, h, http.MethodDelete, "/cgroups?id=7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, cgroups.infos, uint64(7))

	rec = do(t, h, http.MethodDelete, "/cgroups?id=7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/cgroups?id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/cgroups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res InvalidateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Invalidated)
	assert.Empty(t, cgroups.infos)
}

func TestPodEndpoints(t *testing.T) {
	nc, _, tables := newTestServer(t)
	h := nc.Handler()

	body, err := json.Marshal(maps.PodConfigSpec{
		IP:               "10.0.0.9",
		ExcludeOutRanges: []string{"93.184.216.0/24"},
		ExcludeInPorts:   []uint16{9090},
	})
	require.NoError(t, err)
	rec := do(t, h, http.MethodPut, "/pods", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg, ok := tables.PodConfigFor(netip.MustParseAddr("10.0.0.9"))
	require.True(t, ok)
	accepted, _ := cfg.AcceptsOutbound(netip.MustParseAddr("93.184.216.34"), 443)
	assert.False(t, accepted)

	rec = do(t, h, http.MethodGet, "/pods", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var specs []maps.PodConfigSpec
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "10.0.0.9", specs[0].IP)
	assert.Equal(t, []uint16{9090}, specs[0].ExcludeInPorts)

	rec = do(t, h, http.MethodPut, "/pods", []byte(`{"ip":"fd00::1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPut, "/pods", []byte(`{"ip":"10.0.0.10","excludeOutRanges":["nope"]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPut, "/pods", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/pods?ip=10.0.0.9", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/pods?ip=10.0.0.9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/pods?ip=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNatEndpoint(t *testing.T) {
	nc, _, tables := newTestServer(t)
	pair := maps.NewPair(netip.MustParseAddr("10.0.0.5"), 40000, netip.MustParseAddr("127.0.0.1"), 15001)
	origin := maps.OriginInfo{IP: netip.MustParseAddr("93.184.216.34"), Port: 443, Flags: maps.OriginFlagProcessIPDetected}
	require.NoError(t, tables.NAT.Update(pair, origin, maps.UpdateAny))

	rec := do(t, nc.Handler(), http.MethodGet, "/nat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []NatView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, pair.String(), views[0].Pair)
	assert.Equal(t, "93.184.216.34:443", views[0].Origin)

	rec = do(t, nc.Handler(), http.MethodPost, "/nat", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigureUnixSocket(t *testing.T) {
	nc, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nc.ConfigureUnixSocket(ctx) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", nc.Unixsock)
			},
		},
		Timeout: time.Second,
	}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/cgroups")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}

	require.NoError(t, nc.CleanRemoteSock())
	_, err := os.Stat(nc.Unixsock)
	assert.True(t, os.IsNotExist(err))
}
