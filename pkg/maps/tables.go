package maps

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
)

// table names used for accounting and for the pinned kernel maps
const (
	TableCgroups = utils.MESH_CGROUP_INFO_MAP
	TablePods    = utils.MESH_POD_CONFIG_MAP
	TableCookies = utils.MESH_COOKIE_ORIG_MAP
	TableProcIPs = utils.MESH_PROCESS_IP_MAP
	TableNAT     = utils.MESH_PAIR_ORIG_MAP
	TableMarkIPs = utils.MESH_MARK_IP_MAP
	TableSockets = utils.MESH_SOCK_PAIR_MAP
)

// Socket is an established socket held by the splicing table.
type Socket interface {
	// Ingress queues data on the socket receive path.
	Ingress(data []byte) (int, error)
}

// Tables is every piece of state shared between the hooks.
type Tables struct {
	Cgroups Table[uint64, CgroupInfo]
	Pods    Table[IPKey, PodConfig]
	Cookies Table[uint64, OriginInfo]
	ProcIPs Table[uint32, IPKey]
	NAT     Table[Pair, OriginInfo]
	MarkIPs Table[uint32, IPKey]
	Sockets Table[Pair, Socket]
}

type TablesConfig struct {
	Capacity       int
	NATCapacity    int
	CookieCapacity int
	Shards         int
}

func DefaultTablesConfig() TablesConfig {
	return TablesConfig{
		Capacity:       utils.DEFAULT_TABLE_CAPACITY,
		NATCapacity:    utils.DEFAULT_NAT_CAPACITY,
		CookieCapacity: utils.DEFAULT_COOKIE_CAPACITY,
		Shards:         utils.DEFAULT_TABLE_SHARDS,
	}
}

// NewLRUTables builds the in process tables.
func NewLRUTables(cfg TablesConfig) (*Tables, error) {
	var (
		t   Tables
		err error
	)
	if t.Cgroups, err = NewLRUTable[uint64, CgroupInfo](TableCgroups, cfg.Capacity, cfg.Shards, HashUint64); err != nil {
		return nil, err
	}
	if t.Pods, err = NewLRUTable[IPKey, PodConfig](TablePods, cfg.Capacity, cfg.Shards, HashIPKey); err != nil {
		return nil, err
	}
	if t.Cookies, err = NewLRUTable[uint64, OriginInfo](TableCookies, cfg.CookieCapacity, cfg.Shards, HashUint64); err != nil {
		return nil, err
	}
	if t.ProcIPs, err = NewLRUTable[uint32, IPKey](TableProcIPs, cfg.Capacity, cfg.Shards, HashUint32); err != nil {
		return nil, err
	}
	if t.NAT, err = NewLRUTable[Pair, OriginInfo](TableNAT, cfg.NATCapacity, cfg.Shards, HashPair); err != nil {
		return nil, err
	}
	if t.MarkIPs, err = NewLRUTable[uint32, IPKey](TableMarkIPs, cfg.Capacity, cfg.Shards, HashUint32); err != nil {
		return nil, err
	}
	if t.Sockets, err = NewLRUTable[Pair, Socket](TableSockets, cfg.NATCapacity, cfg.Shards, HashPair); err != nil {
		return nil, err
	}
	return &t, nil
}

// OpenPinnedTables opens the maps pinned by the kernel objects. The splicing
// table stays in process since a sockhash holds kernel sockets only.
func OpenPinnedTables(pinDir string, cfg TablesConfig) (*Tables, error) {
	var (
		t    Tables
		err  error
		errs []error
	)
	if t.Cgroups, err = OpenPinnedTable[uint64, CgroupInfo](pinDir, TableCgroups); err != nil {
		errs = append(errs, err)
	}
	if t.Pods, err = OpenPinnedTable[IPKey, PodConfig](pinDir, TablePods); err != nil {
		errs = append(errs, err)
	}
	if t.Cookies, err = OpenPinnedTable[uint64, OriginInfo](pinDir, TableCookies); err != nil {
		errs = append(errs, err)
	}
	if t.ProcIPs, err = OpenPinnedTable[uint32, IPKey](pinDir, TableProcIPs); err != nil {
		errs = append(errs, err)
	}
	if t.NAT, err = OpenPinnedTable[Pair, OriginInfo](pinDir, TableNAT); err != nil {
		errs = append(errs, err)
	}
	if t.MarkIPs, err = OpenPinnedTable[uint32, IPKey](pinDir, TableMarkIPs); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("open pinned tables in %s: %w", pinDir, errors.Join(errs...))
	}
	if t.Sockets, err = NewLRUTable[Pair, Socket](TableSockets, cfg.NATCapacity, cfg.Shards, HashPair); err != nil {
		return nil, err
	}
	return &t, nil
}

// PodConfigFor looks up the config of a pod address.
func (t *Tables) PodConfigFor(addr netip.Addr) (PodConfig, bool) {
	if !addr.IsValid() {
		return PodConfig{}, false
	}
	return t.Pods.Lookup(IPKeyFrom(addr))
}
