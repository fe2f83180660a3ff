package tc

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// Action is the tc classifier verdict.
type Action int

const (
	ActOK   Action = 0 // TC_ACT_OK
	ActShot Action = 2 // TC_ACT_SHOT
)

func (a Action) String() string {
	if a == ActShot {
		return "shot"
	}
	return "ok"
}

// tcp header field offsets
const (
	tcpSrcPortOff  = 0
	tcpDstPortOff  = 2
	tcpChecksumOff = 16
)

var errNotTCP = errors.New("not ipv4 tcp")

// NAT rewrites ports of node crossing connections that never went through
// connect4 on this node. Ingress moves the destination port to the inbound
// sidecar port, egress restores it as the source port of replies.
type NAT struct {
	tables      *maps.Tables
	inboundPort uint16
	logger      *zap.Logger
}

func NewNAT(tables *maps.Tables, inboundPort uint16, logger *zap.Logger) *NAT {
	return &NAT{tables: tables, inboundPort: inboundPort, logger: logger.Named("tc")}
}

// segment is a decoded tcp segment inside a frame, off is where its
// header starts.
type segment struct {
	src, dst netip.Addr
	tcp      layers.TCP
	off      int
}

func (s *segment) pair(dport uint16) maps.Pair {
	return maps.NewPair(s.src, uint16(s.tcp.SrcPort), s.dst, dport)
}

func (s *segment) state() ConnState {
	return StateOf(s.tcp.SYN, s.tcp.ACK, s.tcp.FIN)
}

// decode returns a nil error and nil segment for frames that are not
// ipv4 tcp, and an error when a header runs past the buffer.
func decode(frame []byte) (*segment, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return nil, nil
	}

	off := len(frame) - len(eth.Payload)
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	if ip.Protocol == layers.IPProtocolIPv4 {
		var inner layers.IPv4
		if err := inner.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			// a broken inner header is left to the stack
			return nil, nil
		}
		off += len(ip.Contents)
		ip = inner
	}
	if ip.Protocol != layers.IPProtocolTCP {
		return nil, nil
	}
	off += len(ip.Contents)

	seg := &segment{off: off}
	if err := seg.tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	var ok bool
	if seg.src, ok = netip.AddrFromSlice(ip.SrcIP.To4()); !ok {
		return nil, errNotTCP
	}
	if seg.dst, ok = netip.AddrFromSlice(ip.DstIP.To4()); !ok {
		return nil, errNotTCP
	}
	return seg, nil
}

func (n *NAT) account(ingress bool, action string) {
	events.ExportMeshEvent(events.PacketNatEvent{Ingress: ingress, Action: action})
}

// Ingress handles a frame arriving for a local pod.
func (n *NAT) Ingress(frame []byte) Action {
	seg, err := decode(frame)
	if err != nil {
		events.HandleKernelDroppedPacket(n.logger, frame, true, err.Error())
		return ActShot
	}
	if seg == nil {
		return ActOK
	}

	dport := uint16(seg.tcp.DstPort)
	if seg.state() != StateNew {
		origin, ok := n.tables.NAT.Lookup(seg.pair(n.inboundPort))
		if !ok || !origin.Has(maps.OriginFlagTC) {
			n.account(true, events.NatPass)
			return ActOK
		}
		rewritePort(frame, seg.off, tcpDstPortOff, n.inboundPort)
		n.account(true, events.NatDnat)
		return ActOK
	}

	if dport == n.inboundPort {
		// connect4 on the sending node already chose the sidecar port
		n.account(true, events.NatPass)
		return ActOK
	}
	cfg, found := n.tables.PodConfigFor(seg.dst)
	if !found || dport == cfg.StatusPort {
		n.account(true, events.NatPass)
		return ActOK
	}
	if accepted, reason := cfg.AcceptsInbound(dport); !accepted {
		n.logger.Debug("ingress port not intercepted", zap.Stringer("dst", seg.dst),
			zap.Uint16("port", dport), zap.String("rule", reason))
		n.account(true, events.NatPass)
		return ActOK
	}

	pair := seg.pair(n.inboundPort)
	origin := maps.OriginInfo{IP: seg.dst, Port: dport, Flags: maps.OriginFlagTC}
	if err := n.tables.NAT.Update(pair, origin, maps.UpdateNoExist); err != nil && !errors.Is(err, maps.ErrKeyExist) {
		// without a record the reply could not be restored, leave it alone
		n.logger.Warn("pair origin write failed", zap.Stringer("pair", pair), zap.Error(err))
		events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableNAT})
		n.account(true, events.NatPass)
		return ActOK
	}
	rewritePort(frame, seg.off, tcpDstPortOff, n.inboundPort)
	n.logger.Debug("first dnat", zap.Stringer("pair", pair), zap.Uint16("port", dport))
	n.account(true, events.NatDnat)
	return ActOK
}

// Egress handles a frame leaving a local pod.
func (n *NAT) Egress(frame []byte) Action {
	seg, err := decode(frame)
	if err != nil {
		events.HandleKernelDroppedPacket(n.logger, frame, false, err.Error())
		return ActShot
	}
	if seg == nil || uint16(seg.tcp.SrcPort) != n.inboundPort {
		return ActOK
	}

	pair := maps.NewPair(seg.dst, uint16(seg.tcp.DstPort), seg.src, n.inboundPort)
	origin, ok := n.tables.NAT.Lookup(pair)
	if !ok || !origin.Has(maps.OriginFlagTC) {
		n.account(false, events.NatPass)
		return ActOK
	}

	if seg.state() == StateClosing {
		_ = n.tables.NAT.Delete(pair)
		n.logger.Debug("origin deleted", zap.Stringer("pair", pair))
		n.account(false, events.NatTeardown)
	}
	rewritePort(frame, seg.off, tcpSrcPortOff, origin.Port)
	n.account(false, events.NatSnat)
	return ActOK
}

// rewritePort stores port at tcpOff+field and patches the tcp checksum.
func rewritePort(frame []byte, tcpOff, field int, port uint16) {
	at := frame[tcpOff+field : tcpOff+field+2]
	old := binary.BigEndian.Uint16(at)
	if old == port {
		return
	}
	binary.BigEndian.PutUint16(at, port)
	sum := frame[tcpOff+tcpChecksumOff : tcpOff+tcpChecksumOff+2]
	binary.BigEndian.PutUint16(sum, csumReplace16(binary.BigEndian.Uint16(sum), old, port))
}

// csumReplace16 is the RFC 1624 incremental update HC' = ~(~HC + ~m + m').
func csumReplace16(check, from, to uint16) uint16 {
	sum := uint32(^check) + uint32(^from) + uint32(to)
	sum = (sum & 0xffff) + (sum >> 16)
	sum = (sum & 0xffff) + (sum >> 16)
	return ^uint16(sum)
}
