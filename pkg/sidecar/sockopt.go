package sidecar

import (
	"encoding/binary"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// OrigDst is the cgroup/getsockopt hook answering SO_ORIGINAL_DST from the
// pair table.
type OrigDst struct {
	nat    maps.Table[maps.Pair, maps.OriginInfo]
	logger *zap.Logger
}

func NewOrigDst(nat maps.Table[maps.Pair, maps.OriginInfo], logger *zap.Logger) *OrigDst {
	return &OrigDst{nat: nat, logger: logger.Named("getsockopt")}
}

// Getsockopt leaves req untouched except for the optlen clamp unless it is an
// SO_ORIGINAL_DST query with a recorded origin.
func (o *OrigDst) Getsockopt(req *SockoptRequest) {
	if req.Optlen > utils.MAX_OPS_BUFF_LENGTH {
		req.Optlen = utils.MAX_OPS_BUFF_LENGTH
	}
	if req.Level != unix.SOL_IP || req.Optname != unix.SO_ORIGINAL_DST {
		events.ExportMeshEvent(events.OrigDstEvent{Result: events.OrigDstOtherOption})
		return
	}

	// the recorder keyed the connecting socket, this is its peer
	pair := maps.NewPair(req.RemoteIP, req.RemotePort, req.LocalIP, req.LocalPort)
	origin, ok := o.nat.Lookup(pair)
	if !ok || !origin.IP.Is4() {
		events.ExportMeshEvent(events.OrigDstEvent{Result: events.OrigDstMiss})
		return
	}
	if len(req.Optval) < utils.SOCKADDR_IN_LEN || req.Optlen < utils.SOCKADDR_IN_LEN {
		o.logger.Debug("optval too short", zap.Int("optlen", req.Optlen), zap.Stringer("pair", pair))
		events.ExportMeshEvent(events.OrigDstEvent{Result: events.OrigDstShortBuffer})
		return
	}

	putSockaddrIn(req.Optval, origin)
	req.Optlen = utils.SOCKADDR_IN_LEN
	req.Retval = 0
	events.ExportMeshEvent(events.OrigDstEvent{Result: events.OrigDstHit})
}

// putSockaddrIn writes a struct sockaddr_in.
func putSockaddrIn(buf []byte, origin maps.OriginInfo) {
	binary.NativeEndian.PutUint16(buf[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(buf[2:4], origin.Port)
	addr := origin.IP.As4()
	copy(buf[4:8], addr[:])
	clear(buf[8:utils.SOCKADDR_IN_LEN])
}
