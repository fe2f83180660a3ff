package cgroup

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
)

const tcpListen = 0x0a

// Listener is a listening tcp socket seen from a caller's network namespace.
type Listener struct {
	Addr  netip.Addr
	Port  uint16
	Inode uint64
}

// Unspecified reports a wildcard or loopback listener, which carries no pod address.
func (l Listener) Unspecified() bool {
	return !l.Addr.IsValid() || l.Addr.IsUnspecified() || l.Addr.IsLoopback()
}

// ListenerLookup finds listeners on port in the network namespace of pid.
type ListenerLookup interface {
	Listeners(pid uint32, port uint16) ([]Listener, error)
}

// ProcNetLookup reads <procRoot>/<pid>/net/tcp{,6}, which reflects the
// namespace of pid rather than of the agent.
type ProcNetLookup struct {
	ProcRoot string
}

func NewProcNetLookup(procRoot string) *ProcNetLookup {
	return &ProcNetLookup{ProcRoot: procRoot}
}

func (p *ProcNetLookup) Listeners(pid uint32, port uint16) ([]Listener, error) {
	root := p.ProcRoot
	if pid != 0 {
		root = filepath.Join(p.ProcRoot, strconv.FormatUint(uint64(pid), 10))
	}
	pfs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", root, err)
	}

	tcp, err := pfs.NetTCP()
	if err != nil {
		return nil, fmt.Errorf("read %s/net/tcp: %w", root, err)
	}
	var listeners []Listener
	for _, line := range tcp {
		if line.St != tcpListen || line.LocalPort != uint64(port) {
			continue
		}
		addr, _ := netip.AddrFromSlice(line.LocalAddr)
		listeners = append(listeners, Listener{Addr: addr.Unmap(), Port: port, Inode: line.Inode})
	}

	// dual stack listeners only show up in tcp6; a kernel without ipv6 has no file
	tcp6, err := pfs.NetTCP6()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return listeners, nil
		}
		return nil, fmt.Errorf("read %s/net/tcp6: %w", root, err)
	}
	for _, line := range tcp6 {
		if line.St != tcpListen || line.LocalPort != uint64(port) {
			continue
		}
		addr, _ := netip.AddrFromSlice(line.LocalAddr)
		listeners = append(listeners, Listener{Addr: addr.Unmap(), Port: port, Inode: line.Inode})
	}
	return listeners, nil
}
