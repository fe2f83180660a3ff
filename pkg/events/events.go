package events

// every hook decision is reported as one of these events

type ConnectPath string

const (
	PathApp     ConnectPath = "app"
	PathSidecar ConnectPath = "sidecar"
)

// connect4 outcomes
const (
	ConnectBypass          = "bypass"
	ConnectRedirectSidecar = "redirect_sidecar"
	ConnectRedirectPeer    = "redirect_peer"
	ConnectSamePod         = "same_pod"
	ConnectDeny            = "deny"
)

// sockops outcomes
const (
	EstablishRecorded    = "recorded"
	EstablishSpliceOnly  = "splice_only"
	EstablishIgnored     = "ignored"
	EstablishRejected    = "rejected"
	EstablishSocketClose = "closed"
)

// getsockopt results
const (
	OrigDstHit         = "hit"
	OrigDstMiss        = "miss"
	OrigDstShortBuffer = "short_buffer"
	OrigDstOtherOption = "other_option"
)

// packet nat actions
const (
	NatDnat     = "dnat"
	NatSnat     = "snat"
	NatPass     = "pass"
	NatDrop     = "drop"
	NatTeardown = "teardown"
)

// cgroup probe results
const (
	ProbeCached      = "cached"
	ProbeInMesh      = "in_mesh"
	ProbeNotInMesh   = "not_in_mesh"
	ProbeWriteFailed = "write_failed"
)

type ConnectDecisionEvent struct {
	Path    ConnectPath
	Outcome string
}

type EstablishEvent struct {
	Outcome string
}

type SpliceEvent struct {
	Redirected bool
}

type OrigDstEvent struct {
	Result string
}

type PacketNatEvent struct {
	Ingress bool
	Action  string
}

type TableWriteFailureEvent struct {
	Table string
}

type TableEvictionEvent struct {
	Table string
}

type CgroupProbeEvent struct {
	Result string
}

type MeshAccountingEvent interface {
	ConnectDecisionEvent | EstablishEvent | SpliceEvent | OrigDstEvent |
		PacketNatEvent | TableWriteFailureEvent | TableEvictionEvent | CgroupProbeEvent
}
