package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestExportMeshEvent(t *testing.T) {
	before := testutil.ToFloat64(ConnectDecisions.WithLabelValues("app", ConnectBypass))
	ExportMeshEvent(ConnectDecisionEvent{Path: PathApp, Outcome: ConnectBypass})
	assert.Equal(t, before+1, testutil.ToFloat64(ConnectDecisions.WithLabelValues("app", ConnectBypass)))

	before = testutil.ToFloat64(SpliceMessages.WithLabelValues("miss"))
	ExportMeshEvent(SpliceEvent{Redirected: false})
	assert.Equal(t, before+1, testutil.ToFloat64(SpliceMessages.WithLabelValues("miss")))

	before = testutil.ToFloat64(PacketNatActions.WithLabelValues("egress", NatTeardown))
	ExportMeshEvent(PacketNatEvent{Ingress: false, Action: NatTeardown})
	assert.Equal(t, before+1, testutil.ToFloat64(PacketNatActions.WithLabelValues("egress", NatTeardown)))

	before = testutil.ToFloat64(TableEvictions.WithLabelValues("nat"))
	ExportMeshEvent(TableEvictionEvent{Table: "nat"})
	assert.Equal(t, before+1, testutil.ToFloat64(TableEvictions.WithLabelValues("nat")))
}

func TestHandleKernelDroppedPacket(t *testing.T) {
	before := testutil.ToFloat64(PacketNatActions.WithLabelValues("ingress", NatDrop))
	logger := zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))

	HandleKernelDroppedPacket(logger, []byte{0x01, 0x02, 0x03}, true, "truncated ethernet")
	assert.Equal(t, before+1, testutil.ToFloat64(PacketNatActions.WithLabelValues("ingress", NatDrop)))
}
