package sidecar

import (
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/cgroup"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/config"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
)

// Verdict is the cgroup connect4 return code.
type Verdict int

const (
	VerdictDeny  Verdict = CGROUP_DENY
	VerdictAllow Verdict = CGROUP_ALLOW
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "deny"
}

// ConnectRequest is a tcp connect() about to start. The redirector rewrites
// DstIP and DstPort in place and sets BindIP when the socket must be bound.
type ConnectRequest struct {
	Caller  cgroup.Caller
	Cookie  uint64
	DstIP   netip.Addr
	DstPort uint16
	BindIP  netip.Addr
}

type SockOpsOp int

const (
	OpActiveEstablished SockOpsOp = iota
	OpPassiveEstablished
	OpStateClose
	OpOther
)

// SockOpsEvent is a socket state change seen by the establishment recorder.
type SockOpsEvent struct {
	Op         SockOpsOp
	Cookie     uint64
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Socket     maps.Socket
}

func (e *SockOpsEvent) Pair() maps.Pair {
	return maps.NewPair(e.LocalIP, e.LocalPort, e.RemoteIP, e.RemotePort)
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeRecorded
	OutcomeSpliceOnly
	OutcomeRejected
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeSpliceOnly:
		return "splice_only"
	case OutcomeRejected:
		return "rejected"
	case OutcomeClosed:
		return "closed"
	}
	return "ignored"
}

// Message is payload sent on an established socket.
type Message struct {
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Data       []byte
}

// SockoptRequest is a getsockopt call after the kernel filled Optval.
// Local is the socket source and Remote its destination.
type SockoptRequest struct {
	Level      int
	Optname    int
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Optval     []byte
	Optlen     int
	Retval     int
}

// IdentityResolver is the part of cgroup.Resolver the redirector needs.
type IdentityResolver interface {
	Resolve(caller cgroup.Caller) (maps.CgroupInfo, bool)
}

// Settings are the reserved ports and identities the hooks key off.
type Settings struct {
	OutboundPort       uint16
	InboundPort        uint16
	SidecarUID         uint32
	SidecarIP          netip.Addr
	RejectSelfRedirect bool
}

func DefaultSettings() Settings {
	return Settings{
		OutboundPort:       utils.OUT_REDIRECT_PORT,
		InboundPort:        utils.IN_REDIRECT_PORT,
		SidecarUID:         utils.SIDECAR_USER_ID,
		SidecarIP:          utils.SidecarLoopback,
		RejectSelfRedirect: true,
	}
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		OutboundPort:       cfg.Ports.Outbound,
		InboundPort:        cfg.Ports.Inbound,
		SidecarUID:         cfg.Sidecar.UserID,
		SidecarIP:          cfg.SidecarAddr(),
		RejectSelfRedirect: cfg.Sidecar.RejectSelfRedirect,
	}
}
