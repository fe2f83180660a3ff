package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// CgroupCache is the resolver surface exposed to admins.
type CgroupCache interface {
	Cached() []maps.CgroupInfo
	Invalidate(id uint64) bool
	InvalidateAll() int
}

type CgroupView struct {
	ID       uint64 `json:"id"`
	InMesh   bool   `json:"inMesh"`
	PodIP    string `json:"podIp,omitempty"`
	Flags    uint16 `json:"flags"`
	Detected uint16 `json:"detectedFlags"`
}

type NatView struct {
	Pair   string `json:"pair"`
	Origin string `json:"origin"`
	PID    uint32 `json:"pid,omitempty"`
	Flags  uint16 `json:"flags"`
}

type InvalidateResult struct {
	Invalidated int `json:"invalidated"`
}

// NodeDaemonCli serves the admin api over a local unix socket.
type NodeDaemonCli struct {
	Unixsock       string
	UnixSocketConn net.Listener

	cgroups CgroupCache
	tables  *maps.Tables
	logger  *zap.Logger
}

func GenerateRemoteCliSocketServer(sockPath string, cgroups CgroupCache, tables *maps.Tables, logger *zap.Logger) *NodeDaemonCli {
	return &NodeDaemonCli{
		Unixsock: sockPath,
		cgroups:  cgroups,
		tables:   tables,
		logger:   logger.Named("clid"),
	}
}

func (nc *NodeDaemonCli) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		nc.logger.Warn("Error the required JSON cannot be encoded", zap.Error(err))
	}
}

func (nc *NodeDaemonCli) errResponse(w http.ResponseWriter, status int, errMessage string) {
	nc.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: errMessage})
}

func (nc *NodeDaemonCli) listCgroups(w http.ResponseWriter, r *http.Request) {
	cached := nc.cgroups.Cached()
	views := make([]CgroupView, 0, len(cached))
	for _, info := range cached {
		view := CgroupView{ID: info.ID, InMesh: info.IsInMesh, Flags: info.Flags, Detected: info.DetectedFlags}
		if info.PodIP.IsValid() {
			view.PodIP = info.PodIP.String()
		}
		views = append(views, view)
	}
	nc.writeJSON(w, http.StatusOK, views)
}

// invalidateCgroups drops one cached cgroup, or all of them without an id.
func (nc *NodeDaemonCli) invalidateCgroups(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		n := nc.cgroups.InvalidateAll()
		nc.logger.Info("invalidated cgroup cache", zap.Int("entries", n))
		nc.writeJSON(w, http.StatusOK, InvalidateResult{Invalidated: n})
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		nc.errResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid cgroup id %q", raw))
		return
	}
	if !nc.cgroups.Invalidate(id) {
		nc.errResponse(w, http.StatusNotFound, fmt.Sprintf("cgroup %d not cached", id))
		return
	}
	nc.logger.Info("invalidated cgroup", zap.Uint64("cgroup", id))
	nc.writeJSON(w, http.StatusOK, InvalidateResult{Invalidated: 1})
}

func (nc *NodeDaemonCli) listPods(w http.ResponseWriter, r *http.Request) {
	specs := make([]maps.PodConfigSpec, 0, nc.tables.Pods.Len())
	err := nc.tables.Pods.Range(func(key maps.IPKey, cfg maps.PodConfig) bool {
		specs = append(specs, cfg.Spec(key.Addr()))
		return true
	})
	if err != nil {
		nc.errResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	nc.writeJSON(w, http.StatusOK, specs)
}

func (nc *NodeDaemonCli) putPod(w http.ResponseWriter, r *http.Request) {
	var spec maps.PodConfigSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		nc.errResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := netip.ParseAddr(spec.IP)
	if err != nil || !addr.Is4() {
		nc.errResponse(w, http.StatusBadRequest, fmt.Sprintf("pod ip %q is not ipv4", spec.IP))
		return
	}
	cfg, err := spec.PodConfig()
	if err != nil {
		nc.errResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := nc.tables.Pods.Update(maps.IPKeyFrom(addr), cfg, maps.UpdateAny); err != nil {
		nc.errResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	nc.logger.Info("pod config set", zap.Stringer("pod", addr))
	nc.writeJSON(w, http.StatusOK, cfg.Spec(addr))
}

func (nc *NodeDaemonCli) deletePod(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() {
		nc.errResponse(w, http.StatusBadRequest, fmt.Sprintf("pod ip %q is not ipv4", raw))
		return
	}
	if err := nc.tables.Pods.Delete(maps.IPKeyFrom(addr)); err != nil {
		if errors.Is(err, maps.ErrKeyNotExist) {
			nc.errResponse(w, http.StatusNotFound, fmt.Sprintf("pod %s has no config", addr))
			return
		}
		nc.errResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	nc.logger.Info("pod config deleted", zap.Stringer("pod", addr))
	w.WriteHeader(http.StatusNoContent)
}

func (nc *NodeDaemonCli) listNat(w http.ResponseWriter, r *http.Request) {
	views := make([]NatView, 0, nc.tables.NAT.Len())
	err := nc.tables.NAT.Range(func(pair maps.Pair, origin maps.OriginInfo) bool {
		views = append(views, NatView{
			Pair:   pair.String(),
			Origin: origin.AddrPort().String(),
			PID:    origin.PID,
			Flags:  origin.Flags,
		})
		return true
	})
	if err != nil {
		nc.errResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	nc.writeJSON(w, http.StatusOK, views)
}

func (nc *NodeDaemonCli) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgroups", nc.listCgroups)
	mux.HandleFunc("DELETE /cgroups", nc.invalidateCgroups)
	mux.HandleFunc("GET /pods", nc.listPods)
	mux.HandleFunc("PUT /pods", nc.putPod)
	mux.HandleFunc("DELETE /pods", nc.deletePod)
	mux.HandleFunc("GET /nat", nc.listNat)
	return mux
}

// ConfigureUnixSocket serves until ctx is done.
func (nc *NodeDaemonCli) ConfigureUnixSocket(ctx context.Context) error {
	if err := nc.CleanRemoteSock(); err != nil {
		return err
	}
	listener, err := net.Listen("unix", nc.Unixsock)
	if err != nil {
		return fmt.Errorf("Error opening a local unix socket connection %s: %w", nc.Unixsock, err)
	}
	nc.UnixSocketConn = listener
	if err := os.Chmod(nc.Unixsock, 0o600); err != nil {
		listener.Close()
		return err
	}

	server := http.Server{
		Handler:           nc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	nc.logger.Info("admin socket listening", zap.String("path", nc.Unixsock))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CleanRemoteSock removes a socket file left by a previous run.
func (nc *NodeDaemonCli) CleanRemoteSock() error {
	_, err := os.Stat(nc.Unixsock)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.Remove(nc.Unixsock); err != nil {
		nc.logger.Warn("Error removing the local unix socket", zap.String("path", nc.Unixsock), zap.Error(err))
		return err
	}
	return nil
}
