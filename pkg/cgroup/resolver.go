package cgroup

import (
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// Caller identifies the task a hook runs on behalf of.
type Caller struct {
	CgroupID uint64
	PID      uint32 // tgid
	UID      uint32
}

// Resolver memoizes whether a cgroup belongs to a mesh pod and its pod
// address. A result is computed once per cgroup and trusted until the entry
// is evicted or invalidated.
type Resolver struct {
	cgroups      maps.Table[uint64, maps.CgroupInfo]
	listeners    ListenerLookup
	identity     IdentityStrategy
	outboundPort uint16
	logger       *zap.Logger
}

func NewResolver(cgroups maps.Table[uint64, maps.CgroupInfo], listeners ListenerLookup,
	identity IdentityStrategy, outboundPort uint16, logger *zap.Logger) *Resolver {
	return &Resolver{
		cgroups:      cgroups,
		listeners:    listeners,
		identity:     identity,
		outboundPort: outboundPort,
		logger:       logger.Named("cgroup"),
	}
}

// Resolve returns false when the identity is unresolved; callers bypass.
func (r *Resolver) Resolve(caller Caller) (maps.CgroupInfo, bool) {
	if info, ok := r.cgroups.Lookup(caller.CgroupID); ok {
		if _, detected := info.Detected(maps.CgroupFlagListenOutbound); detected {
			events.ExportMeshEvent(events.CgroupProbeEvent{Result: events.ProbeCached})
			return info, true
		}
	}

	info := maps.CgroupInfo{ID: caller.CgroupID}
	listeners, err := r.listeners.Listeners(caller.PID, r.outboundPort)
	if err != nil {
		// not cached, the next connect probes again
		r.logger.Debug("listener probe failed", zap.Uint64("cgroup", caller.CgroupID),
			zap.Uint32("pid", caller.PID), zap.Error(err))
		events.ExportMeshEvent(events.CgroupProbeEvent{Result: events.ProbeNotInMesh})
		return info, false
	}

	info.IsInMesh = len(listeners) > 0
	info.SetDetected(maps.CgroupFlagListenOutbound, info.IsInMesh)
	if info.IsInMesh {
		if addr, ok := r.identity.ResolveIdentity(caller, listeners, &info); ok {
			info.PodIP = addr
		}
	}

	if err := r.cgroups.Update(caller.CgroupID, info, maps.UpdateAny); err != nil {
		r.logger.Warn("cgroup info write failed", zap.Uint64("cgroup", caller.CgroupID), zap.Error(err))
		events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableCgroups})
		events.ExportMeshEvent(events.CgroupProbeEvent{Result: events.ProbeWriteFailed})
		return info, false
	}

	result := events.ProbeNotInMesh
	if info.IsInMesh {
		result = events.ProbeInMesh
	}
	events.ExportMeshEvent(events.CgroupProbeEvent{Result: result})
	r.logger.Debug("cgroup resolved", zap.Uint64("cgroup", caller.CgroupID),
		zap.Bool("in_mesh", info.IsInMesh), zap.Stringer("pod_ip", info.PodIP),
		zap.String("identity", r.identity.Name()))
	return info, true
}

// Invalidate forgets one cgroup so its next connect probes again.
func (r *Resolver) Invalidate(id uint64) bool {
	return r.cgroups.Delete(id) == nil
}

// InvalidateAll forgets every cgroup and returns how many were dropped.
func (r *Resolver) InvalidateAll() int {
	var ids []uint64
	_ = r.cgroups.Range(func(id uint64, _ maps.CgroupInfo) bool {
		ids = append(ids, id)
		return true
	})
	dropped := 0
	for _, id := range ids {
		if r.cgroups.Delete(id) == nil {
			dropped++
		}
	}
	return dropped
}

// Cached lists the memoized cgroups.
func (r *Resolver) Cached() []maps.CgroupInfo {
	var out []maps.CgroupInfo
	_ = r.cgroups.Range(func(_ uint64, info maps.CgroupInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}
