package sidecar

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"go.uber.org/zap"
)

// Redirector is the cgroup/connect4 hook.
type Redirector struct {
	resolver IdentityResolver
	tables   *maps.Tables
	settings Settings
	logger   *zap.Logger

	// next synthetic host in 127.128.0.0/12, cycles through [1, 1<<20)
	outip atomic.Uint32
}

func NewRedirector(settings Settings, tables *maps.Tables, resolver IdentityResolver, logger *zap.Logger) *Redirector {
	r := &Redirector{
		resolver: resolver,
		tables:   tables,
		settings: settings,
		logger:   logger.Named("connect4"),
	}
	r.outip.Store(1)
	return r
}

// nextSynthetic hands out each address once per cycle, even under
// concurrent connects.
func (r *Redirector) nextSynthetic() netip.Addr {
	for {
		cur := r.outip.Load()
		next := cur + 1
		if next >= utils.SYNTHETIC_LOOPBACK_SPAN {
			next = 1
		}
		if r.outip.CompareAndSwap(cur, next) {
			return utils.Uint32ToIpv4(utils.SYNTHETIC_LOOPBACK_BASE | cur)
		}
	}
}

func (r *Redirector) decide(path events.ConnectPath, outcome string) {
	events.ExportMeshEvent(events.ConnectDecisionEvent{Path: path, Outcome: outcome})
}

// Connect4 classifies req and rewrites it toward the sidecar when needed. It
// denies only when the sidecar path cannot record the original destination.
func (r *Redirector) Connect4(req *ConnectRequest) Verdict {
	path := events.PathApp
	if req.Caller.UID == r.settings.SidecarUID {
		path = events.PathSidecar
	}

	if !req.DstIP.Is4() {
		r.decide(path, events.ConnectBypass)
		return VerdictAllow
	}

	info, ok := r.resolver.Resolve(req.Caller)
	if !ok || !info.IsInMesh {
		r.decide(path, events.ConnectBypass)
		return VerdictAllow
	}

	if path == events.PathApp {
		return r.appConnect(req, info)
	}
	return r.sidecarConnect(req, info)
}

func (r *Redirector) appConnect(req *ConnectRequest, info maps.CgroupInfo) Verdict {
	if utils.IsLoopbackNet(req.DstIP) {
		r.logger.Debug("app to local, bypass", zap.Stringer("dst", req.DstIP))
		r.decide(events.PathApp, events.ConnectBypass)
		return VerdictAllow
	}

	podIP := info.PodIP
	if podIP.IsValid() {
		if cfg, found := r.tables.PodConfigFor(podIP); found {
			if accepted, reason := cfg.AcceptsOutbound(req.DstIP, req.DstPort); !accepted {
				r.logger.Debug("app egress not intercepted", zap.Stringer("pod", podIP),
					zap.Stringer("dst", req.DstIP), zap.Uint16("port", req.DstPort), zap.String("rule", reason))
				r.decide(events.PathApp, events.ConnectBypass)
				return VerdictAllow
			}
		} else {
			r.logger.Debug("pod ip known but no pod config", zap.Stringer("pod", podIP))
		}
	}

	origin := maps.OriginInfo{
		IP:    req.DstIP,
		Port:  req.DstPort,
		Flags: maps.OriginFlagProcessIPDetected,
	}
	if err := r.tables.Cookies.Update(req.Cookie, origin, maps.UpdateAny); err != nil {
		r.logger.Warn("cookie origin write failed, bypass", zap.Uint64("cookie", req.Cookie), zap.Error(err))
		events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableCookies})
		r.decide(events.PathApp, events.ConnectBypass)
		return VerdictAllow
	}

	if podIP.IsValid() {
		// binding the pod address keeps 4-tuples of different pods apart
		req.BindIP = podIP
		req.DstIP = utils.LocalhostIpv4
	} else {
		req.DstIP = r.nextSynthetic()
	}
	req.DstPort = r.settings.OutboundPort

	r.logger.Debug("app to sidecar", zap.Stringer("origin", origin.AddrPort()),
		zap.Stringer("dst", req.DstIP), zap.Stringer("bind", req.BindIP))
	r.decide(events.PathApp, events.ConnectRedirectSidecar)
	return VerdictAllow
}

func (r *Redirector) sidecarConnect(req *ConnectRequest, info maps.CgroupInfo) Verdict {
	cfg, found := r.tables.PodConfigFor(req.DstIP)
	if !found {
		r.decide(events.PathSidecar, events.ConnectBypass)
		return VerdictAllow
	}

	origin := maps.OriginInfo{IP: req.DstIP, Port: req.DstPort}
	port := req.DstPort
	outcome := events.ConnectRedirectPeer

	if podIP := info.PodIP; podIP.IsValid() {
		if podIP != req.DstIP {
			if accepted, reason := cfg.AcceptsInbound(req.DstPort); !accepted {
				r.logger.Debug("sidecar to peer not intercepted", zap.Stringer("dst", req.DstIP),
					zap.Uint16("port", req.DstPort), zap.String("rule", reason))
				r.decide(events.PathSidecar, events.ConnectBypass)
				return VerdictAllow
			}
			port = r.settings.InboundPort
		} else {
			outcome = events.ConnectSamePod
		}
		origin.Flags |= maps.OriginFlagProcessIPDetected
	} else {
		// pod address unknown, fall back to the address last learned for this process
		origin.PID = req.Caller.PID
		if learned, ok := r.tables.ProcIPs.Lookup(req.Caller.PID); ok && learned.Addr() == req.DstIP {
			outcome = events.ConnectSamePod
		} else {
			// without a learned address this may be a self connection, the
			// establishment recorder rejects it and the sidecar reconnects
			port = r.settings.InboundPort
		}
	}

	if err := r.tables.Cookies.Update(req.Cookie, origin, maps.UpdateNoExist); err != nil {
		if !errors.Is(err, maps.ErrKeyExist) {
			events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableCookies})
		}
		r.logger.Error("cookie origin write failed, deny", zap.Uint64("cookie", req.Cookie), zap.Error(err))
		r.decide(events.PathSidecar, events.ConnectDeny)
		return VerdictDeny
	}

	req.DstPort = port
	r.decide(events.PathSidecar, outcome)
	return VerdictAllow
}
