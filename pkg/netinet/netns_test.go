package netinet

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
)

func TestWithNetNSPathEmptyRunsInPlace(t *testing.T) {
	called := false
	err := WithNetNSPath("", func() error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestWithNetNSPathMissing(t *testing.T) {
	err := WithNetNSPath("/nonexistent/netns", func() error {
		t.Fatal("must not run")
		return nil
	})
	assert.Error(t, err)
}

func TestWithNetNSRestoreFailureKeepsThreadLocked(t *testing.T) {
	sets, unlocks := 0, 0
	setNetNS = func(netns.NsHandle) error {
		sets++
		if sets == 2 {
			return errors.New("operation not permitted")
		}
		return nil
	}
	unlockOSThread = func() { unlocks++ }
	t.Cleanup(func() {
		setNetNS = netns.Set
		unlockOSThread = runtime.UnlockOSThread
	})

	fnErr := errors.New("attach failed")
	done := make(chan error)
	// the locked thread goes away with this goroutine
	go func() {
		done <- WithNetNS(netns.None(), func() error { return fnErr })
	}()
	err := <-done

	require.Error(t, err)
	assert.ErrorIs(t, err, fnErr)
	assert.ErrorContains(t, err, "restore netns")
	assert.Equal(t, 2, sets)
	assert.Zero(t, unlocks)
}

func TestWithNetNSRestoresAndUnlocks(t *testing.T) {
	sets, unlocks := 0, 0
	setNetNS = func(netns.NsHandle) error {
		sets++
		return nil
	}
	unlockOSThread = func() {
		unlocks++
		runtime.UnlockOSThread()
	}
	t.Cleanup(func() {
		setNetNS = netns.Set
		unlockOSThread = runtime.UnlockOSThread
	})

	called := false
	require.NoError(t, WithNetNS(netns.None(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.Equal(t, 2, sets)
	assert.Equal(t, 1, unlocks)
}
