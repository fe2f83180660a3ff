package tc

import (
	"errors"
	"fmt"
	"os"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/netinet"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// classifier programs in the tc object
const (
	PROG_TC_INGRESS = "mesh_tc_dnat"
	PROG_TC_EGRESS  = "mesh_tc_snat"
)

// Attacher loads the packet nat object and hangs its classifiers off a
// clsact qdisc on every selected link, optionally inside a pod namespace.
type Attacher struct {
	Interfaces   []netlink.Link
	TcCollection *ebpf.Collection // tc program collection, BPF_PROG_TYPE_SCHED_CLS
	NetNSPath    string
	logger       *zap.Logger
}

type AttachOptions struct {
	Object     string
	PinPath    string
	NetNSPath  string
	Interfaces []string
}

func NewAttacher(logger *zap.Logger) *Attacher {
	return &Attacher{logger: logger.Named("tc")}
}

// ReadEbpfFromSpec loads the object and marks the tables it shares with the
// cgroup hooks for pinning by name.
func (tc *Attacher) ReadEbpfFromSpec(ebpfProgCode string) (*ebpf.CollectionSpec, error) {
	if _, err := os.Stat(ebpfProgCode); err != nil {
		return nil, fmt.Errorf("Error the eBPF program cannot be found %s: %w", ebpfProgCode, err)
	}
	spec, err := ebpf.LoadCollectionSpec(ebpfProgCode)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{utils.MESH_POD_CONFIG_MAP, utils.MESH_PAIR_ORIG_MAP} {
		if m, ok := spec.Maps[name]; ok {
			m.Pinning = ebpf.PinByName
		}
	}
	return spec, nil
}

// Attach loads the classifiers and attaches them on every link.
func (tc *Attacher) Attach(opts AttachOptions) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return err
	}
	spec, err := tc.ReadEbpfFromSpec(opts.Object)
	if err != nil {
		return err
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: opts.PinPath},
	})
	if err != nil {
		return err
	}

	ingress, egress := coll.Programs[PROG_TC_INGRESS], coll.Programs[PROG_TC_EGRESS]
	if ingress == nil || egress == nil {
		coll.Close()
		return fmt.Errorf("No Required TC Hook found for packet nat in %s", opts.Object)
	}
	tc.TcCollection = coll
	tc.NetNSPath = opts.NetNSPath

	err = netinet.WithNetNSPath(opts.NetNSPath, func() error {
		iface := netinet.NewNetIface(tc.logger)
		if err := iface.ReadInterfaces(opts.Interfaces); err != nil && len(iface.Links) == 0 {
			return err
		}
		tc.Interfaces = iface.Links
		return tc.AttachTcHandler(ingress, egress)
	})
	if err != nil {
		tc.DetachHandler()
		return err
	}
	return nil
}

// AttachTcHandler must run in the namespace owning tc.Interfaces.
func (tc *Attacher) AttachTcHandler(ingress, egress *ebpf.Program) error {
	if len(tc.Interfaces) == 0 {
		return errors.New("no links selected for tc attach")
	}
	for _, link := range tc.Interfaces {
		tc.logger.Info("Attaching TC qdisc to the interface", zap.String("link", link.Attrs().Name))

		qdisc_clsact := &netlink.Clsact{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    netlink.HANDLE_CLSACT,
				Handle:    netlink.MakeHandle(0xffff, 0),
			},
		}
		if err := netlink.QdiscReplace(qdisc_clsact); err != nil {
			return fmt.Errorf("clsact on %s: %w", link.Attrs().Name, err)
		}

		for _, hook := range []struct {
			parent uint32
			prog   *ebpf.Program
		}{
			{netlink.HANDLE_MIN_INGRESS, ingress},
			{netlink.HANDLE_MIN_EGRESS, egress},
		} {
			filter := netlink.BpfFilter{
				FilterAttrs: netlink.FilterAttrs{
					LinkIndex: link.Attrs().Index,
					Parent:    hook.parent,
					Handle:    netlink.MakeHandle(1, 0),
					Protocol:  unix.ETH_P_ALL,
				},
				Fd:           hook.prog.FD(),
				Name:         hook.prog.String(),
				DirectAction: true,
			}
			if err := netlink.FilterReplace(&filter); err != nil {
				return fmt.Errorf("bpf filter on %s: %w", link.Attrs().Name, err)
			}
		}
	}
	return nil
}

// DetachHandler removes the clsact qdisc, and with it both filters, from
// every link.
func (tc *Attacher) DetachHandler() error {
	err := netinet.WithNetNSPath(tc.NetNSPath, func() error {
		for _, link := range tc.Interfaces {
			err := netlink.QdiscDel(&netlink.Clsact{
				QdiscAttrs: netlink.QdiscAttrs{
					LinkIndex: link.Attrs().Index,
					Parent:    netlink.HANDLE_CLSACT,
					Handle:    netlink.MakeHandle(0xffff, 0),
				},
			})
			if err != nil {
				tc.logger.Warn("No Matching clsact desc found to delete", zap.String("link", link.Attrs().Name), zap.Error(err))
			}
		}
		return nil
	})
	if tc.TcCollection != nil {
		tc.TcCollection.Close()
		tc.TcCollection = nil
	}
	return err
}
