package events

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// HandleKernelDroppedPacket logs a decoded summary of a frame the packet nat dropped.
func HandleKernelDroppedPacket(logger *zap.Logger, frame []byte, ingress bool, reason string) {
	ExportMeshEvent(PacketNatEvent{Ingress: ingress, Action: NatDrop})
	if !logger.Core().Enabled(zap.DebugLevel) {
		return
	}

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	fields := []zap.Field{
		zap.String("direction", direction(ingress)),
		zap.String("reason", reason),
		zap.Int("len", len(frame)),
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		fields = append(fields, zap.Error(errLayer.Error()))
	}
	if ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		fields = append(fields, zap.Stringer("src", ip.SrcIP), zap.Stringer("dst", ip.DstIP))
	}
	logger.Debug("packet dropped", fields...)
}
