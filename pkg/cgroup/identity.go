package cgroup

import (
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// IdentityStrategy finds the pod address of an in mesh caller. outbound holds
// the listeners found on the outbound sidecar port. Strategies may record
// what they probed in info's detected flags.
type IdentityStrategy interface {
	Name() string
	ResolveIdentity(caller Caller, outbound []Listener, info *maps.CgroupInfo) (netip.Addr, bool)
}

// ProbeIdentity takes the address the outbound listener is bound to.
type ProbeIdentity struct{}

func (ProbeIdentity) Name() string { return "probe" }

func (ProbeIdentity) ResolveIdentity(_ Caller, outbound []Listener, _ *maps.CgroupInfo) (netip.Addr, bool) {
	for _, l := range outbound {
		if !l.Unspecified() && l.Addr.Is4() {
			return l.Addr, true
		}
	}
	return netip.Addr{}, false
}

// MarkLookup returns the fwmark of the socket listening on port in the
// namespace of pid.
type MarkLookup interface {
	ListenerMark(pid uint32, port uint16) (uint32, bool, error)
}

// MarkIdentity maps the mark of the probe listener through the mark table,
// populated by a side channel.
type MarkIdentity struct {
	Port   uint16
	Marks  MarkLookup
	Table  maps.Table[uint32, maps.IPKey]
	Logger *zap.Logger
}

func (m *MarkIdentity) Name() string { return "mark" }

func (m *MarkIdentity) ResolveIdentity(caller Caller, _ []Listener, info *maps.CgroupInfo) (netip.Addr, bool) {
	mark, found, err := m.Marks.ListenerMark(caller.PID, m.Port)
	if err != nil {
		m.Logger.Debug("mark probe failed", zap.Uint32("pid", caller.PID), zap.Error(err))
		return netip.Addr{}, false
	}
	info.SetDetected(maps.CgroupFlagListenMarkProbe, found)
	if !found || mark == 0 {
		return netip.Addr{}, false
	}

	key, ok := m.Table.Lookup(mark)
	if !ok {
		return netip.Addr{}, false
	}
	addr := key.Addr()
	return addr, addr.IsValid()
}
