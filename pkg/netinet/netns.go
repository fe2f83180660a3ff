package netinet

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// swapped in tests
var (
	setNetNS       = netns.Set
	unlockOSThread = runtime.UnlockOSThread
)

// WithNetNS runs fn with the calling OS thread switched into ns. The thread
// stays locked for the duration and returns to the original namespace after.
// When the original namespace cannot be restored the thread is left locked,
// so the runtime discards it when the goroutine exits.
func WithNetNS(ns netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		unlockOSThread()
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	if ns.Equal(origin) {
		defer unlockOSThread()
		return fn()
	}

	if err := setNetNS(ns); err != nil {
		unlockOSThread()
		return fmt.Errorf("enter netns %s: %w", ns, err)
	}

	fnErr := fn()
	if err := setNetNS(origin); err != nil {
		return errors.Join(fnErr, fmt.Errorf("restore netns %s: %w", origin, err))
	}
	unlockOSThread()
	return fnErr
}

// WithNetNSPath enters the namespace bind mounted or linked at path.
// An empty path runs fn in the current namespace.
func WithNetNSPath(path string, fn func() error) error {
	if path == "" {
		return fn()
	}
	ns, err := netns.GetFromPath(path)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", path, err)
	}
	defer ns.Close()
	return WithNetNS(ns, fn)
}

// WithNetNSPid enters the network namespace of pid.
func WithNetNSPid(pid int, fn func() error) error {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open netns of pid %d: %w", pid, err)
	}
	defer ns.Close()
	return WithNetNS(ns, fn)
}
