package netinet

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// NetIface is the set of links the packet nat attaches to.
type NetIface struct {
	Links  []netlink.Link
	logger *zap.Logger
}

func NewNetIface(logger *zap.Logger) *NetIface {
	return &NetIface{logger: logger.Named("netinet")}
}

// ReadInterfaces selects the named links from the current namespace. With no
// names every non loopback link that is up is selected.
func (nf *NetIface) ReadInterfaces(names []string) error {
	if len(names) > 0 {
		links := make([]netlink.Link, 0, len(names))
		var errs []error
		for _, name := range names {
			link, err := netlink.LinkByName(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("link %s: %w", name, err))
				continue
			}
			links = append(links, link)
		}
		nf.Links = links
		return errors.Join(errs...)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	nf.Links = selectUpLinks(links)
	for _, link := range nf.Links {
		nf.logger.Debug("selected link", zap.String("name", link.Attrs().Name), zap.Int("index", link.Attrs().Index))
	}
	return nil
}

func selectUpLinks(links []netlink.Link) []netlink.Link {
	selected := make([]netlink.Link, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Name == "lo" {
			continue
		}
		if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
			continue
		}
		selected = append(selected, link)
	}
	return selected
}
