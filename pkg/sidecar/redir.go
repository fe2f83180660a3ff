package sidecar

import (
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// Splicer is the sk_msg hook: payload sent on one socket is queued straight
// on the receive side of its peer.
type Splicer struct {
	sockets maps.Table[maps.Pair, maps.Socket]
	logger  *zap.Logger
}

func NewSplicer(sockets maps.Table[maps.Pair, maps.Socket], logger *zap.Logger) *Splicer {
	return &Splicer{sockets: sockets, logger: logger.Named("sk_msg")}
}

// Redirect returns false when the data must take the normal path. Only
// sockets registered in the splicing table are spliced.
func (s *Splicer) Redirect(msg *Message) bool {
	if _, ok := s.sockets.Lookup(maps.NewPair(msg.LocalIP, msg.LocalPort, msg.RemoteIP, msg.RemotePort)); !ok {
		events.ExportMeshEvent(events.SpliceEvent{Redirected: false})
		return false
	}
	peerKey := maps.NewPair(msg.RemoteIP, msg.RemotePort, msg.LocalIP, msg.LocalPort)
	peer, ok := s.sockets.Lookup(peerKey)
	if !ok {
		events.ExportMeshEvent(events.SpliceEvent{Redirected: false})
		return false
	}
	if _, err := peer.Ingress(msg.Data); err != nil {
		s.logger.Debug("peer ingress failed", zap.Stringer("peer", peerKey), zap.Error(err))
		events.ExportMeshEvent(events.SpliceEvent{Redirected: false})
		return false
	}
	events.ExportMeshEvent(events.SpliceEvent{Redirected: true})
	return true
}
