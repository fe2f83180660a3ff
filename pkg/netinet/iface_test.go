package netinet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestSelectUpLinks(t *testing.T) {
	links := []netlink.Link{
		&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "lo", OperState: netlink.OperUnknown}},
		&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "eth0", OperState: netlink.OperUp}},
		&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "eth1", OperState: netlink.OperDown}},
		&netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Name: "tun0", OperState: netlink.OperUnknown}},
	}

	var names []string
	for _, link := range selectUpLinks(links) {
		names = append(names, link.Attrs().Name)
	}
	assert.Equal(t, []string{"eth0", "tun0"}, names)
}
