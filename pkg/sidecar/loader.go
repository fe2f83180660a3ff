package sidecar

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// guard the hook injection, the cgroup programs apply to every pod below the
// root cgroup and cannot be attached twice
var isInjectedKernelHooks bool = false
var injectKernelHookGaurd sync.Mutex

type KernelHooks struct {
	coll     *ebpf.Collection
	links    []link.Link
	sockhash *ebpf.Map
	skMsg    *ebpf.Program
	logger   *zap.Logger
}

type HookOptions struct {
	Object     string
	PinPath    string
	CgroupPath string
}

// LoadKernelHooks loads the cgroup object, pins its tables by name under
// PinPath and attaches connect4, sockops, getsockopt and the sk_msg verdict.
func LoadKernelHooks(opts HookOptions, logger *zap.Logger) (*KernelHooks, error) {
	logger = logger.Named("loader")

	injectKernelHookGaurd.Lock()
	defer injectKernelHookGaurd.Unlock()
	if isInjectedKernelHooks {
		return nil, fmt.Errorf("cgroup mesh hooks can be only injected once")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.Object); err != nil {
		return nil, fmt.Errorf("Error the eBPF program cannot be found %s: %w", opts.Object, err)
	}
	if err := os.MkdirAll(opts.PinPath, 0o755); err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpec(opts.Object)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{
		utils.MESH_CGROUP_INFO_MAP, utils.MESH_POD_CONFIG_MAP, utils.MESH_COOKIE_ORIG_MAP,
		utils.MESH_PROCESS_IP_MAP, utils.MESH_PAIR_ORIG_MAP, utils.MESH_MARK_IP_MAP,
	} {
		m, ok := spec.Maps[name]
		if !ok {
			return nil, fmt.Errorf("map %s missing from %s", name, opts.Object)
		}
		m.Pinning = ebpf.PinByName
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: opts.PinPath},
	})
	if err != nil {
		return nil, err
	}
	hooks := &KernelHooks{coll: coll, logger: logger}

	attach := []struct {
		prog string
		typ  ebpf.AttachType
	}{
		{PROG_CGROUP_CONNECT4, ebpf.AttachCGroupInet4Connect},
		{PROG_CGROUP_SOCKOPS, ebpf.AttachCGroupSockOps},
		{PROG_CGROUP_GETSOCKOPT, ebpf.AttachCGroupGetsockopt},
	}
	for _, a := range attach {
		prog, ok := coll.Programs[a.prog]
		if !ok {
			hooks.detach()
			return nil, fmt.Errorf("program %s missing from %s", a.prog, opts.Object)
		}
		l, err := link.AttachCgroup(link.CgroupOptions{Path: opts.CgroupPath, Attach: a.typ, Program: prog})
		if err != nil {
			hooks.detach()
			return nil, fmt.Errorf("attach %s to %s: %w", a.prog, opts.CgroupPath, err)
		}
		hooks.links = append(hooks.links, l)
		logger.Info("attached cgroup hook", zap.String("prog", a.prog), zap.String("cgroup", opts.CgroupPath))
	}

	hooks.sockhash = coll.Maps[utils.MESH_SOCK_PAIR_MAP]
	hooks.skMsg = coll.Programs[PROG_SK_MSG_REDIR]
	if hooks.sockhash == nil || hooks.skMsg == nil {
		hooks.detach()
		return nil, fmt.Errorf("sk_msg program or sockhash missing from %s", opts.Object)
	}
	if err := link.RawAttachProgram(link.RawAttachProgramOptions{
		Target:  hooks.sockhash.FD(),
		Program: hooks.skMsg,
		Attach:  ebpf.AttachSkMsgVerdict,
	}); err != nil {
		hooks.skMsg = nil
		hooks.detach()
		return nil, fmt.Errorf("attach sk_msg verdict: %w", err)
	}

	isInjectedKernelHooks = true
	return hooks, nil
}

// Close detaches every hook. Pinned tables stay so a restarted agent keeps
// the recorded origins.
func (h *KernelHooks) Close() error {
	err := h.detach()
	injectKernelHookGaurd.Lock()
	isInjectedKernelHooks = false
	injectKernelHookGaurd.Unlock()
	h.logger.Info("detached cgroup hooks")
	return err
}

func (h *KernelHooks) detach() error {
	var errs []error
	if h.skMsg != nil && h.sockhash != nil {
		if err := link.RawDetachProgram(link.RawDetachProgramOptions{
			Target:  h.sockhash.FD(),
			Program: h.skMsg,
			Attach:  ebpf.AttachSkMsgVerdict,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range h.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.links = nil
	if h.coll != nil {
		h.coll.Close()
		h.coll = nil
	}
	return errors.Join(errs...)
}
