package maps

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
)

// kernel struct sizes, see the cgroup and tc objects
const (
	IPKeySize      = 16
	PairSize       = 36
	OriginInfoSize = 24
	CgroupInfoSize = 32
	CidrSize       = 8
	PodConfigSize  = 4 + 2*utils.MAX_ITEM_LEN*CidrSize + 4*utils.MAX_ITEM_LEN*2
)

// origin flags
const (
	// the owning process ip was already learned at connect time
	OriginFlagProcessIPDetected uint16 = 1 << 0
	// entry written by the packet nat path
	OriginFlagTC uint16 = 1 << 3
)

// cgroup flags, DetectedFlags records which of them were computed
const (
	CgroupFlagListenOutbound  uint16 = 1 << 2
	CgroupFlagListenMarkProbe uint16 = 1 << 3
)

// IPKey is the kernel __u32[4] address; ipv4 lives in the last word.
type IPKey [IPKeySize]byte

func IPKeyFrom(addr netip.Addr) IPKey {
	var k IPKey
	if !addr.IsValid() {
		return k
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		copy(k[12:], b[:])
		return k
	}
	return IPKey(addr.As16())
}

// Addr returns the invalid address for the zero key.
func (k IPKey) Addr() netip.Addr {
	if k == (IPKey{}) {
		return netip.Addr{}
	}
	for _, b := range k[:12] {
		if b != 0 {
			return netip.AddrFrom16(k)
		}
	}
	return netip.AddrFrom4([4]byte(k[12:16]))
}

func (k IPKey) String() string {
	return k.Addr().String()
}

// Pair is a 4-tuple with ports in host order.
type Pair struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

func NewPair(sip netip.Addr, sport uint16, dip netip.Addr, dport uint16) Pair {
	return Pair{SrcIP: sip.Unmap(), DstIP: dip.Unmap(), SrcPort: sport, DstPort: dport}
}

// Reverse swaps both ends.
func (p Pair) Reverse() Pair {
	return Pair{SrcIP: p.DstIP, DstIP: p.SrcIP, SrcPort: p.DstPort, DstPort: p.SrcPort}
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s",
		netip.AddrPortFrom(p.SrcIP, p.SrcPort), netip.AddrPortFrom(p.DstIP, p.DstPort))
}

func (p Pair) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PairSize)
	sip, dip := IPKeyFrom(p.SrcIP), IPKeyFrom(p.DstIP)
	copy(buf[0:16], sip[:])
	copy(buf[16:32], dip[:])
	binary.BigEndian.PutUint16(buf[32:34], p.SrcPort)
	binary.BigEndian.PutUint16(buf[34:36], p.DstPort)
	return buf, nil
}

func (p *Pair) UnmarshalBinary(data []byte) error {
	if len(data) < PairSize {
		return fmt.Errorf("pair: need %d bytes, got %d", PairSize, len(data))
	}
	p.SrcIP = IPKey(data[0:16]).Addr()
	p.DstIP = IPKey(data[16:32]).Addr()
	p.SrcPort = binary.BigEndian.Uint16(data[32:34])
	p.DstPort = binary.BigEndian.Uint16(data[34:36])
	return nil
}

// OriginInfo is the pre-redirect destination of a connection.
type OriginInfo struct {
	IP    netip.Addr
	PID   uint32
	Port  uint16
	Flags uint16
}

func (o OriginInfo) Has(flag uint16) bool {
	return o.Flags&flag != 0
}

func (o OriginInfo) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(o.IP, o.Port)
}

func (o OriginInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, OriginInfoSize)
	ip := IPKeyFrom(o.IP)
	copy(buf[0:16], ip[:])
	binary.NativeEndian.PutUint32(buf[16:20], o.PID)
	binary.BigEndian.PutUint16(buf[20:22], o.Port)
	binary.NativeEndian.PutUint16(buf[22:24], o.Flags)
	return buf, nil
}

func (o *OriginInfo) UnmarshalBinary(data []byte) error {
	if len(data) < OriginInfoSize {
		return fmt.Errorf("origin info: need %d bytes, got %d", OriginInfoSize, len(data))
	}
	o.IP = IPKey(data[0:16]).Addr()
	o.PID = binary.NativeEndian.Uint32(data[16:20])
	o.Port = binary.BigEndian.Uint16(data[20:22])
	o.Flags = binary.NativeEndian.Uint16(data[22:24])
	return nil
}

// CgroupInfo is the memoized identity of one cgroup. An invalid PodIP means
// the pod address is unknown.
type CgroupInfo struct {
	ID            uint64
	IsInMesh      bool
	PodIP         netip.Addr
	Flags         uint16
	DetectedFlags uint16
}

// Detected reports whether flag was computed and, if so, its value.
func (c CgroupInfo) Detected(flag uint16) (value bool, detected bool) {
	return c.Flags&flag != 0, c.DetectedFlags&flag != 0
}

func (c *CgroupInfo) SetDetected(flag uint16, value bool) {
	c.DetectedFlags |= flag
	if value {
		c.Flags |= flag
	} else {
		c.Flags &^= flag
	}
}

func (c CgroupInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CgroupInfoSize)
	binary.NativeEndian.PutUint64(buf[0:8], c.ID)
	if c.IsInMesh {
		binary.NativeEndian.PutUint32(buf[8:12], 1)
	}
	ip := IPKeyFrom(c.PodIP)
	copy(buf[12:28], ip[:])
	binary.NativeEndian.PutUint16(buf[28:30], c.Flags)
	binary.NativeEndian.PutUint16(buf[30:32], c.DetectedFlags)
	return buf, nil
}

func (c *CgroupInfo) UnmarshalBinary(data []byte) error {
	if len(data) < CgroupInfoSize {
		return fmt.Errorf("cgroup info: need %d bytes, got %d", CgroupInfoSize, len(data))
	}
	c.ID = binary.NativeEndian.Uint64(data[0:8])
	c.IsInMesh = binary.NativeEndian.Uint32(data[8:12]) != 0
	c.PodIP = IPKey(data[12:28]).Addr()
	c.Flags = binary.NativeEndian.Uint16(data[28:30])
	c.DetectedFlags = binary.NativeEndian.Uint16(data[30:32])
	return nil
}
