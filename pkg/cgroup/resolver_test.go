package cgroup

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeListeners struct {
	byPid map[uint32][]Listener
	err   error
	calls int
}

func (f *fakeListeners) Listeners(pid uint32, port uint16) ([]Listener, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Listener
	for _, l := range f.byPid[pid] {
		if l.Port == port {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeMarks struct {
	mark  uint32
	found bool
	err   error
}

func (f fakeMarks) ListenerMark(uint32, uint16) (uint32, bool, error) {
	return f.mark, f.found, f.err
}

type failingCgroups struct {
	maps.Table[uint64, maps.CgroupInfo]
}

func (failingCgroups) Update(uint64, maps.CgroupInfo, maps.UpdateFlag) error {
	return errors.New("map full")
}

func newCgroupTable(t *testing.T) maps.Table[uint64, maps.CgroupInfo] {
	t.Helper()
	table, err := maps.NewLRUTable[uint64, maps.CgroupInfo]("test_cgroups", 64, 4, maps.HashUint64)
	require.NoError(t, err)
	return table
}

func TestResolveProbeInMesh(t *testing.T) {
	lookup := &fakeListeners{byPid: map[uint32][]Listener{
		100: {{Addr: netip.MustParseAddr("10.0.0.5"), Port: 15001}},
	}}
	r := NewResolver(newCgroupTable(t), lookup, ProbeIdentity{}, 15001, zap.NewNop())

	info, ok := r.Resolve(Caller{CgroupID: 7, PID: 100})
	require.True(t, ok)
	assert.True(t, info.IsInMesh)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), info.PodIP)

	// memoized: the second call does not probe again
	before := testutil.ToFloat64(events.CgroupProbes.WithLabelValues(events.ProbeCached))
	again, ok := r.Resolve(Caller{CgroupID: 7, PID: 100})
	require.True(t, ok)
	assert.Equal(t, info, again)
	assert.Equal(t, 1, lookup.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(events.CgroupProbes.WithLabelValues(events.ProbeCached)))
}

func TestResolveWildcardListenerHasNoPodIP(t *testing.T) {
	lookup := &fakeListeners{byPid: map[uint32][]Listener{
		100: {{Addr: netip.MustParseAddr("0.0.0.0"), Port: 15001}},
	}}
	r := NewResolver(newCgroupTable(t), lookup, ProbeIdentity{}, 15001, zap.NewNop())

	info, ok := r.Resolve(Caller{CgroupID: 8, PID: 100})
	require.True(t, ok)
	assert.True(t, info.IsInMesh)
	assert.False(t, info.PodIP.IsValid())
}

func TestResolveNotInMeshIsCachedAndNeverRechecked(t *testing.T) {
	lookup := &fakeListeners{byPid: map[uint32][]Listener{}}
	r := NewResolver(newCgroupTable(t), lookup, ProbeIdentity{}, 15001, zap.NewNop())

	info, ok := r.Resolve(Caller{CgroupID: 9, PID: 200})
	require.True(t, ok)
	assert.False(t, info.IsInMesh)

	// the sidecar starting later is not observed until invalidation
	lookup.byPid[200] = []Listener{{Addr: netip.MustParseAddr("10.0.0.6"), Port: 15001}}
	info, _ = r.Resolve(Caller{CgroupID: 9, PID: 200})
	assert.False(t, info.IsInMesh)

	assert.True(t, r.Invalidate(9))
	assert.False(t, r.Invalidate(9))
	info, _ = r.Resolve(Caller{CgroupID: 9, PID: 200})
	assert.True(t, info.IsInMesh)
	assert.Equal(t, netip.MustParseAddr("10.0.0.6"), info.PodIP)
}

func TestResolveProbeErrorIsUnresolved(t *testing.T) {
	lookup := &fakeListeners{err: errors.New("no such process")}
	table := newCgroupTable(t)
	r := NewResolver(table, lookup, ProbeIdentity{}, 15001, zap.NewNop())

	_, ok := r.Resolve(Caller{CgroupID: 10, PID: 300})
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestResolveWriteFailureIsUnresolved(t *testing.T) {
	lookup := &fakeListeners{byPid: map[uint32][]Listener{
		100: {{Addr: netip.MustParseAddr("10.0.0.5"), Port: 15001}},
	}}
	before := testutil.ToFloat64(events.TableWriteFailures.WithLabelValues(maps.TableCgroups))
	r := NewResolver(failingCgroups{newCgroupTable(t)}, lookup, ProbeIdentity{}, 15001, zap.NewNop())

	_, ok := r.Resolve(Caller{CgroupID: 11, PID: 100})
	assert.False(t, ok)
	assert.Equal(t, before+1, testutil.ToFloat64(events.TableWriteFailures.WithLabelValues(maps.TableCgroups)))
}

func TestResolveMarkIdentity(t *testing.T) {
	marks, err := maps.NewLRUTable[uint32, maps.IPKey]("test_marks", 16, 1, maps.HashUint32)
	require.NoError(t, err)
	require.NoError(t, marks.Update(0x1234, maps.IPKeyFrom(netip.MustParseAddr("10.0.0.7")), maps.UpdateAny))

	lookup := &fakeListeners{byPid: map[uint32][]Listener{
		100: {{Addr: netip.MustParseAddr("0.0.0.0"), Port: 15001}},
	}}
	identity := &MarkIdentity{Port: 39807, Marks: fakeMarks{mark: 0x1234, found: true}, Table: marks, Logger: zap.NewNop()}
	r := NewResolver(newCgroupTable(t), lookup, identity, 15001, zap.NewNop())

	info, ok := r.Resolve(Caller{CgroupID: 12, PID: 100})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), info.PodIP)
	value, detected := info.Detected(maps.CgroupFlagListenMarkProbe)
	assert.True(t, value)
	assert.True(t, detected)

	// unknown mark leaves the pod address unknown
	identity.Marks = fakeMarks{mark: 0x9999, found: true}
	info, ok = r.Resolve(Caller{CgroupID: 13, PID: 100})
	require.True(t, ok)
	assert.True(t, info.IsInMesh)
	assert.False(t, info.PodIP.IsValid())

	identity.Marks = fakeMarks{err: errors.New("permission denied")}
	info, ok = r.Resolve(Caller{CgroupID: 14, PID: 100})
	require.True(t, ok)
	assert.False(t, info.PodIP.IsValid())
}

func TestInvalidateAll(t *testing.T) {
	lookup := &fakeListeners{byPid: map[uint32][]Listener{}}
	r := NewResolver(newCgroupTable(t), lookup, ProbeIdentity{}, 15001, zap.NewNop())
	for id := uint64(1); id <= 5; id++ {
		_, ok := r.Resolve(Caller{CgroupID: id, PID: 1})
		require.True(t, ok)
	}
	assert.Len(t, r.Cached(), 5)
	assert.Equal(t, 5, r.InvalidateAll())
	assert.Empty(t, r.Cached())
}
