package cgroup

import (
	"encoding/binary"
	"fmt"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/netinet"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// inet_diag layouts
const (
	sizeofInetDiagReqV2 = 56
	sizeofInetDiagMsg   = 72
	inetDiagMark        = 15
)

type inetDiagReqV2 struct {
	family   uint8
	protocol uint8
	states   uint32
}

func (r *inetDiagReqV2) Len() int { return sizeofInetDiagReqV2 }

func (r *inetDiagReqV2) Serialize() []byte {
	b := make([]byte, sizeofInetDiagReqV2)
	b[0] = r.family
	b[1] = r.protocol
	binary.NativeEndian.PutUint32(b[4:8], r.states)
	return b
}

// SockDiagMarkLookup dumps listening sockets over NETLINK_SOCK_DIAG inside
// the caller's namespace. The kernel only reports marks to CAP_NET_ADMIN.
type SockDiagMarkLookup struct{}

func (SockDiagMarkLookup) ListenerMark(pid uint32, port uint16) (uint32, bool, error) {
	var msgs [][]byte
	err := netinet.WithNetNSPid(int(pid), func() error {
		req := nl.NewNetlinkRequest(unix.SOCK_DIAG_BY_FAMILY, unix.NLM_F_DUMP)
		req.AddData(&inetDiagReqV2{
			family:   unix.AF_INET,
			protocol: unix.IPPROTO_TCP,
			states:   1 << unix.BPF_TCP_LISTEN,
		})
		var err error
		msgs, err = req.Execute(unix.NETLINK_SOCK_DIAG, unix.SOCK_DIAG_BY_FAMILY)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("sock diag dump: %w", err)
	}
	return markFromDiagMessages(msgs, port)
}

func markFromDiagMessages(msgs [][]byte, port uint16) (uint32, bool, error) {
	for _, msg := range msgs {
		if len(msg) < sizeofInetDiagMsg {
			continue
		}
		// idiag_sport, network order
		if binary.BigEndian.Uint16(msg[4:6]) != port {
			continue
		}
		attrs, err := nl.ParseRouteAttr(msg[sizeofInetDiagMsg:])
		if err != nil {
			return 0, false, fmt.Errorf("parse diag attributes: %w", err)
		}
		for _, attr := range attrs {
			if attr.Attr.Type == inetDiagMark && len(attr.Value) >= 4 {
				return binary.NativeEndian.Uint32(attr.Value[:4]), true, nil
			}
		}
		return 0, true, nil
	}
	return 0, false, nil
}
