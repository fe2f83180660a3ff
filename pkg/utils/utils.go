package utils

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

var DEBUG = false

// ParseIp formats an address held in host order (most significant octet first).
func ParseIp(saddr uint32) string {
	var s1 uint8 = (uint8)(saddr>>24) & 0xFF
	var s2 uint8 = (uint8)(saddr>>16) & 0xFF
	var s3 uint8 = (uint8)(saddr>>8) & 0xFF
	var s4 uint8 = (uint8)(saddr & 0xFF)
	return fmt.Sprintf("%d.%d.%d.%d", uint8(s1), uint8(s2), uint8(s3), uint8(s4))
}

func Ipv4ToUint32(addr netip.Addr) uint32 {
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func Uint32ToIpv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// IsLoopbackNet matches 127.0.0.0/8 by first octet only.
func IsLoopbackNet(addr netip.Addr) bool {
	return addr.Is4() && addr.As4()[0] == 127
}

// SidecarLoopback is SIDECAR_LOOPBACK_IP parsed once.
var SidecarLoopback = netip.MustParseAddr(SIDECAR_LOOPBACK_IP)

var LocalhostIpv4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Htons and Ntohs swap on little endian hosts, which is every node this runs on.
func Htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func Ntohs(v uint16) uint16 {
	return Htons(v)
}
