package maps

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
)

const MaxItemLen = utils.MAX_ITEM_LEN

// Cidr is an ipv4 range with Net kept in network byte order.
type Cidr struct {
	Net  [4]byte
	Mask uint8
}

func CidrFromPrefix(prefix netip.Prefix) Cidr {
	prefix = prefix.Masked()
	addr := prefix.Addr().Unmap()
	if !addr.Is4() {
		return Cidr{}
	}
	bits := prefix.Bits()
	if bits > 32 {
		bits -= 96
	}
	return Cidr{Net: addr.As4(), Mask: uint8(bits)}
}

// IsZero is the list terminator.
func (c Cidr) IsZero() bool {
	return c.Net == [4]byte{}
}

// Contains compares the top Mask bits. A zero mask matches every address.
func (c Cidr) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	mask := uint32(c.Mask)
	if mask > 32 {
		mask = 32
	}
	shift := 32 - mask
	return binary.BigEndian.Uint32(c.Net[:])>>shift == utils.Ipv4ToUint32(addr)>>shift
}

func (c Cidr) String() string {
	return fmt.Sprintf("%s/%d", netip.AddrFrom4(c.Net), c.Mask)
}

type PortList [MaxItemLen]uint16

type CidrList [MaxItemLen]Cidr

// Contains scans up to the first zero entry.
func (l *PortList) Contains(port uint16) bool {
	for _, p := range l {
		if p == 0 {
			break
		}
		if p == port {
			return true
		}
	}
	return false
}

func (l *PortList) Empty() bool {
	return l[0] == 0
}

func (l *PortList) Slice() []uint16 {
	out := make([]uint16, 0)
	for _, p := range l {
		if p == 0 {
			break
		}
		out = append(out, p)
	}
	return out
}

func (l *CidrList) Contains(addr netip.Addr) bool {
	for _, c := range l {
		if c.IsZero() {
			break
		}
		if c.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *CidrList) Empty() bool {
	return l[0].IsZero()
}

func (l *CidrList) Slice() []Cidr {
	out := make([]Cidr, 0)
	for _, c := range l {
		if c.IsZero() {
			break
		}
		out = append(out, c)
	}
	return out
}

// PodConfig is the per pod interception policy written by the control plane.
type PodConfig struct {
	StatusPort       uint16
	ExcludeOutRanges CidrList
	IncludeOutRanges CidrList
	IncludeInPorts   PortList
	IncludeOutPorts  PortList
	ExcludeInPorts   PortList
	ExcludeOutPorts  PortList
}

// AcceptsOutbound applies exclude ports, exclude ranges, include ports and
// include ranges in that order. An empty include list includes everything.
func (c *PodConfig) AcceptsOutbound(dst netip.Addr, port uint16) (bool, string) {
	if c.ExcludeOutPorts.Contains(port) {
		return false, "exclude_out_ports"
	}
	if c.ExcludeOutRanges.Contains(dst) {
		return false, "exclude_out_ranges"
	}
	if !c.IncludeOutPorts.Empty() && !c.IncludeOutPorts.Contains(port) {
		return false, "include_out_ports"
	}
	if !c.IncludeOutRanges.Empty() && !c.IncludeOutRanges.Contains(dst) {
		return false, "include_out_ranges"
	}
	return true, ""
}

// AcceptsInbound applies exclude in ports then include in ports.
func (c *PodConfig) AcceptsInbound(port uint16) (bool, string) {
	if c.ExcludeInPorts.Contains(port) {
		return false, "exclude_in_ports"
	}
	if !c.IncludeInPorts.Empty() && !c.IncludeInPorts.Contains(port) {
		return false, "include_in_ports"
	}
	return true, ""
}

func (c PodConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PodConfigSize)
	binary.NativeEndian.PutUint16(buf[0:2], c.StatusPort)
	off := 4
	for _, list := range []*CidrList{&c.ExcludeOutRanges, &c.IncludeOutRanges} {
		for _, cidr := range list {
			copy(buf[off:off+4], cidr.Net[:])
			buf[off+4] = cidr.Mask
			off += CidrSize
		}
	}
	for _, list := range []*PortList{&c.IncludeInPorts, &c.IncludeOutPorts, &c.ExcludeInPorts, &c.ExcludeOutPorts} {
		for _, port := range list {
			binary.NativeEndian.PutUint16(buf[off:off+2], port)
			off += 2
		}
	}
	return buf, nil
}

func (c *PodConfig) UnmarshalBinary(data []byte) error {
	if len(data) < PodConfigSize {
		return fmt.Errorf("pod config: need %d bytes, got %d", PodConfigSize, len(data))
	}
	c.StatusPort = binary.NativeEndian.Uint16(data[0:2])
	off := 4
	for _, list := range []*CidrList{&c.ExcludeOutRanges, &c.IncludeOutRanges} {
		for i := range list {
			list[i] = Cidr{Net: [4]byte(data[off : off+4]), Mask: data[off+4]}
			off += CidrSize
		}
	}
	for _, list := range []*PortList{&c.IncludeInPorts, &c.IncludeOutPorts, &c.ExcludeInPorts, &c.ExcludeOutPorts} {
		for i := range list {
			list[i] = binary.NativeEndian.Uint16(data[off : off+2])
			off += 2
		}
	}
	return nil
}

// PodConfigSpec is the admin and file representation of a PodConfig.
type PodConfigSpec struct {
	IP               string   `json:"ip,omitempty" yaml:"ip,omitempty"`
	StatusPort       uint16   `json:"statusPort" yaml:"statusPort"`
	ExcludeOutRanges []string `json:"excludeOutRanges,omitempty" yaml:"excludeOutRanges,omitempty"`
	IncludeOutRanges []string `json:"includeOutRanges,omitempty" yaml:"includeOutRanges,omitempty"`
	IncludeInPorts   []uint16 `json:"includeInPorts,omitempty" yaml:"includeInPorts,omitempty"`
	IncludeOutPorts  []uint16 `json:"includeOutPorts,omitempty" yaml:"includeOutPorts,omitempty"`
	ExcludeInPorts   []uint16 `json:"excludeInPorts,omitempty" yaml:"excludeInPorts,omitempty"`
	ExcludeOutPorts  []uint16 `json:"excludeOutPorts,omitempty" yaml:"excludeOutPorts,omitempty"`
}

func fillPorts(dst *PortList, name string, ports []uint16) error {
	if len(ports) > MaxItemLen {
		return fmt.Errorf("%s: %d entries exceeds %d", name, len(ports), MaxItemLen)
	}
	for i, p := range ports {
		dst[i] = p
	}
	return nil
}

func fillRanges(dst *CidrList, name string, ranges []string) error {
	if len(ranges) > MaxItemLen {
		return fmt.Errorf("%s: %d entries exceeds %d", name, len(ranges), MaxItemLen)
	}
	for i, r := range ranges {
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !prefix.Addr().Unmap().Is4() {
			return fmt.Errorf("%s: %s is not ipv4", name, r)
		}
		dst[i] = CidrFromPrefix(prefix)
	}
	return nil
}

// PodConfig converts the spec, rejecting lists longer than the kernel capacity.
func (s PodConfigSpec) PodConfig() (PodConfig, error) {
	cfg := PodConfig{StatusPort: s.StatusPort}
	if cfg.StatusPort == 0 {
		cfg.StatusPort = utils.DEFAULT_STATUS_PORT
	}
	if err := fillRanges(&cfg.ExcludeOutRanges, "excludeOutRanges", s.ExcludeOutRanges); err != nil {
		return cfg, err
	}
	if err := fillRanges(&cfg.IncludeOutRanges, "includeOutRanges", s.IncludeOutRanges); err != nil {
		return cfg, err
	}
	for _, l := range []struct {
		dst   *PortList
		name  string
		ports []uint16
	}{
		{&cfg.IncludeInPorts, "includeInPorts", s.IncludeInPorts},
		{&cfg.IncludeOutPorts, "includeOutPorts", s.IncludeOutPorts},
		{&cfg.ExcludeInPorts, "excludeInPorts", s.ExcludeInPorts},
		{&cfg.ExcludeOutPorts, "excludeOutPorts", s.ExcludeOutPorts},
	} {
		if err := fillPorts(l.dst, l.name, l.ports); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Spec renders the config up to each list terminator.
func (c *PodConfig) Spec(ip netip.Addr) PodConfigSpec {
	spec := PodConfigSpec{
		StatusPort:      c.StatusPort,
		IncludeInPorts:  c.IncludeInPorts.Slice(),
		IncludeOutPorts: c.IncludeOutPorts.Slice(),
		ExcludeInPorts:  c.ExcludeInPorts.Slice(),
		ExcludeOutPorts: c.ExcludeOutPorts.Slice(),
	}
	if ip.IsValid() {
		spec.IP = ip.String()
	}
	for _, r := range c.ExcludeOutRanges.Slice() {
		spec.ExcludeOutRanges = append(spec.ExcludeOutRanges, r.String())
	}
	for _, r := range c.IncludeOutRanges.Slice() {
		spec.IncludeOutRanges = append(spec.IncludeOutRanges, r.String())
	}
	return spec
}
