package tc

import (
	"net"
	"net/netip"
	"testing"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	remoteIP = netip.MustParseAddr("10.1.0.7")
	localPod = netip.MustParseAddr("10.0.0.9")
)

type frameSpec struct {
	src, dst      netip.Addr
	sport, dport  uint16
	syn, ack, fin bool
	ipip          bool
	payload       []byte
}

func buildFrame(t *testing.T, f frameSpec) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    f.src.AsSlice(),
		DstIP:    f.dst.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.sport),
		DstPort: layers.TCPPort(f.dport),
		Seq:     1000,
		Ack:     1,
		SYN:     f.syn,
		ACK:     f.ack,
		FIN:     f.fin,
		Window:  64240,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	stack := []gopacket.SerializableLayer{eth}
	if f.ipip {
		stack = append(stack, &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolIPv4,
			SrcIP:    net.IPv4(192, 168, 1, 1).To4(),
			DstIP:    net.IPv4(192, 168, 1, 2).To4(),
		})
	}
	stack = append(stack, ip, tcp, gopacket.Payload(f.payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stack...))
	return append([]byte(nil), buf.Bytes()...)
}

func newTestNAT(t *testing.T) (*NAT, *maps.Tables) {
	t.Helper()
	tables, err := maps.NewLRUTables(maps.DefaultTablesConfig())
	require.NoError(t, err)
	return NewNAT(tables, utils.IN_REDIRECT_PORT, zaptest.NewLogger(t)), tables
}

func putPod(t *testing.T, tables *maps.Tables, ip netip.Addr, spec maps.PodConfigSpec) {
	t.Helper()
	cfg, err := spec.PodConfig()
	require.NoError(t, err)
	require.NoError(t, tables.Pods.Update(maps.IPKeyFrom(ip), cfg, maps.UpdateAny))
}

func TestCrossNodeConnectionLifecycle(t *testing.T) {
	nat, tables := newTestNAT(t)
	putPod(t, tables, localPod, maps.PodConfigSpec{})

	syn := frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, syn: true}
	frame := buildFrame(t, syn)
	require.Equal(t, ActOK, nat.Ingress(frame))
	syn.dport = utils.IN_REDIRECT_PORT
	assert.Equal(t, buildFrame(t, syn), frame, "port and checksum rewritten")

	pair := maps.NewPair(remoteIP, 51000, localPod, utils.IN_REDIRECT_PORT)
	origin, ok := tables.NAT.Lookup(pair)
	require.True(t, ok)
	assert.Equal(t, netip.AddrPortFrom(localPod, 8080), origin.AddrPort())
	assert.True(t, origin.Has(maps.OriginFlagTC))

	data := frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, ack: true, payload: []byte("GET / HTTP/1.1\r\n")}
	want := data
	want.dport = utils.IN_REDIRECT_PORT
	for i := 0; i < 2; i++ {
		frame = buildFrame(t, data)
		require.Equal(t, ActOK, nat.Ingress(frame))
		assert.Equal(t, buildFrame(t, want), frame, "delivery %d", i)
	}

	reply := frameSpec{src: localPod, dst: remoteIP, sport: utils.IN_REDIRECT_PORT, dport: 51000, ack: true, payload: []byte("HTTP/1.1 200 OK\r\n")}
	frame = buildFrame(t, reply)
	require.Equal(t, ActOK, nat.Egress(frame))
	reply.sport = 8080
	assert.Equal(t, buildFrame(t, reply), frame)
	_, ok = tables.NAT.Lookup(pair)
	assert.True(t, ok)

	fin := frameSpec{src: localPod, dst: remoteIP, sport: utils.IN_REDIRECT_PORT, dport: 51000, ack: true, fin: true}
	frame = buildFrame(t, fin)
	require.Equal(t, ActOK, nat.Egress(frame))
	fin.sport = 8080
	assert.Equal(t, buildFrame(t, fin), frame)
	_, ok = tables.NAT.Lookup(pair)
	assert.False(t, ok, "teardown removes the record")
}

func TestIngressSynLeftAlone(t *testing.T) {
	cases := []struct {
		name  string
		spec  *maps.PodConfigSpec
		dport uint16
	}{
		{name: "already sidecar port", spec: &maps.PodConfigSpec{}, dport: utils.IN_REDIRECT_PORT},
		{name: "unmanaged destination", spec: nil, dport: 8080},
		{name: "status port", spec: &maps.PodConfigSpec{}, dport: utils.DEFAULT_STATUS_PORT},
		{name: "excluded port", spec: &maps.PodConfigSpec{ExcludeInPorts: []uint16{9090}}, dport: 9090},
		{name: "not included port", spec: &maps.PodConfigSpec{IncludeInPorts: []uint16{80}}, dport: 8080},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nat, tables := newTestNAT(t)
			if tc.spec != nil {
				putPod(t, tables, localPod, *tc.spec)
			}
			frame := buildFrame(t, frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: tc.dport, syn: true})
			orig := append([]byte(nil), frame...)

			assert.Equal(t, ActOK, nat.Ingress(frame))
			assert.Equal(t, orig, frame)
			assert.Zero(t, tables.NAT.Len())
		})
	}
}

func TestIngressRetransmittedSynKeepsRecord(t *testing.T) {
	nat, tables := newTestNAT(t)
	putPod(t, tables, localPod, maps.PodConfigSpec{})

	pair := maps.NewPair(remoteIP, 51000, localPod, utils.IN_REDIRECT_PORT)
	first := maps.OriginInfo{IP: localPod, Port: 8080, Flags: maps.OriginFlagTC}
	require.NoError(t, tables.NAT.Update(pair, first, maps.UpdateAny))

	syn := frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, syn: true}
	frame := buildFrame(t, syn)
	require.Equal(t, ActOK, nat.Ingress(frame))
	syn.dport = utils.IN_REDIRECT_PORT
	assert.Equal(t, buildFrame(t, syn), frame)

	got, ok := tables.NAT.Lookup(pair)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestNonTCFlaggedRecordsAreIgnored(t *testing.T) {
	nat, tables := newTestNAT(t)
	pair := maps.NewPair(remoteIP, 51000, localPod, utils.IN_REDIRECT_PORT)
	require.NoError(t, tables.NAT.Update(pair, maps.OriginInfo{IP: localPod, Port: 8080}, maps.UpdateAny))

	frame := buildFrame(t, frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, ack: true})
	orig := append([]byte(nil), frame...)
	assert.Equal(t, ActOK, nat.Ingress(frame))
	assert.Equal(t, orig, frame)

	frame = buildFrame(t, frameSpec{src: localPod, dst: remoteIP, sport: utils.IN_REDIRECT_PORT, dport: 51000, ack: true})
	orig = append([]byte(nil), frame...)
	assert.Equal(t, ActOK, nat.Egress(frame))
	assert.Equal(t, orig, frame)
}

func TestIngressNoRecordPassesThrough(t *testing.T) {
	nat, _ := newTestNAT(t)
	frame := buildFrame(t, frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, ack: true})
	orig := append([]byte(nil), frame...)
	assert.Equal(t, ActOK, nat.Ingress(frame))
	assert.Equal(t, orig, frame)
}

func TestIPIPInnerHeaderIsRewritten(t *testing.T) {
	nat, tables := newTestNAT(t)
	putPod(t, tables, localPod, maps.PodConfigSpec{})

	syn := frameSpec{src: remoteIP, dst: localPod, sport: 52000, dport: 8080, syn: true, ipip: true}
	frame := buildFrame(t, syn)
	require.Equal(t, ActOK, nat.Ingress(frame))
	syn.dport = utils.IN_REDIRECT_PORT
	assert.Equal(t, buildFrame(t, syn), frame)

	_, ok := tables.NAT.Lookup(maps.NewPair(remoteIP, 52000, localPod, utils.IN_REDIRECT_PORT))
	assert.True(t, ok)
}

func TestNonTCPFramesPass(t *testing.T) {
	nat, tables := newTestNAT(t)
	putPod(t, tables, localPod, maps.PodConfigSpec{})

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: remoteIP.AsSlice(), DstIP: localPod.AsSlice()}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload([]byte{1, 2, 3})))

	assert.Equal(t, ActOK, nat.Ingress(buf.Bytes()))
	assert.Equal(t, ActOK, nat.Egress(buf.Bytes()))

	arp := make([]byte, 42)
	arp[12], arp[13] = 0x08, 0x06
	assert.Equal(t, ActOK, nat.Ingress(arp))
	assert.Zero(t, tables.NAT.Len())
}

func TestTruncatedFramesAreDropped(t *testing.T) {
	nat, tables := newTestNAT(t)
	putPod(t, tables, localPod, maps.PodConfigSpec{})

	frame := buildFrame(t, frameSpec{src: remoteIP, dst: localPod, sport: 51000, dport: 8080, syn: true})
	for _, n := range []int{10, 14 + 12, 14 + 20 + 10} {
		assert.Equal(t, ActShot, nat.Ingress(append([]byte(nil), frame[:n]...)), "len %d", n)
		assert.Equal(t, ActShot, nat.Egress(append([]byte(nil), frame[:n]...)), "len %d", n)
	}
	assert.Zero(t, tables.NAT.Len())
}

func TestCsumReplace16(t *testing.T) {
	// RFC 1624 section 4 example
	assert.Equal(t, uint16(0x0000), csumReplace16(0xdd2f, 0x5555, 0x3285))
	assert.Equal(t, uint16(0x1234), csumReplace16(0x1234, 8080, 8080))
}

func TestStateOf(t *testing.T) {
	cases := []struct {
		syn, ack, fin bool
		want          ConnState
	}{
		{syn: true, want: StateNew},
		{syn: true, ack: true, want: StateEstablished},
		{ack: true, want: StateEstablished},
		{fin: true, ack: true, want: StateClosing},
		{fin: true, want: StateEstablished},
		{want: StateEstablished},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StateOf(c.syn, c.ack, c.fin), "syn=%v ack=%v fin=%v", c.syn, c.ack, c.fin)
	}
	assert.Equal(t, "closing", StateClosing.String())
}
