package maps

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
)

// pod annotations understood by PodConfigFromAnnotations
const (
	AnnotationStatusPort             = "openservicemesh.io/port"
	AnnotationInboundPortExclusion   = "openservicemesh.io/inbound-port-exclusion-list"
	AnnotationOutboundPortExclusion  = "openservicemesh.io/outbound-port-exclusion-list"
	AnnotationInboundPortInclusion   = "openservicemesh.io/inbound-port-inclusion-list"
	AnnotationOutboundPortInclusion  = "openservicemesh.io/outbound-port-inclusion-list"
	AnnotationOutboundRangeExclusion = "openservicemesh.io/outbound-ip-range-exclusion-list"
	AnnotationOutboundRangeInclusion = "openservicemesh.io/outbound-ip-range-inclusion-list"
)

// sidecar admin, listener and health ports never intercepted inbound
var DefaultExcludeInPorts = []uint16{15000, 15001, 15003, 15010, 15021, 15050, 15128, 15901, 15902, 15903, 15904}

func portsFromString(v string) []uint16 {
	var ports []uint16
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		// zero would terminate the list
		port, err := strconv.ParseUint(item, 10, 16)
		if err == nil && port != 0 {
			ports = append(ports, uint16(port))
		}
	}
	return ports
}

// "*" becomes the zero range, which terminates the list.
func rangesFromString(v string) []Cidr {
	var ranges []Cidr
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "*" {
			ranges = append(ranges, Cidr{})
			continue
		}
		if item == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil || !prefix.Addr().Unmap().Is4() {
			continue
		}
		ranges = append(ranges, CidrFromPrefix(prefix))
	}
	return ranges
}

func copyPorts(dst *PortList, ports []uint16) {
	for i, p := range ports {
		if i >= MaxItemLen {
			break
		}
		dst[i] = p
	}
}

func copyRanges(dst *CidrList, ranges []Cidr) {
	for i, r := range ranges {
		if i >= MaxItemLen {
			break
		}
		dst[i] = r
	}
}

// PodConfigFromAnnotations builds a pod config the way the pod controller does.
// Unparsable entries are skipped and lists are truncated at MaxItemLen.
func PodConfigFromAnnotations(annotations map[string]string) PodConfig {
	cfg := PodConfig{StatusPort: utils.DEFAULT_STATUS_PORT}
	if v, ok := annotations[AnnotationStatusPort]; ok {
		if port, err := strconv.ParseUint(strings.TrimSpace(v), 10, 16); err == nil {
			cfg.StatusPort = uint16(port)
		}
	}

	excludeIn := append([]uint16{}, DefaultExcludeInPorts...)
	if v, ok := annotations[AnnotationInboundPortExclusion]; ok {
		excludeIn = append(excludeIn, portsFromString(v)...)
	}
	copyPorts(&cfg.ExcludeInPorts, excludeIn)

	if v, ok := annotations[AnnotationOutboundPortExclusion]; ok {
		copyPorts(&cfg.ExcludeOutPorts, portsFromString(v))
	}
	if v, ok := annotations[AnnotationInboundPortInclusion]; ok {
		copyPorts(&cfg.IncludeInPorts, portsFromString(v))
	}
	if v, ok := annotations[AnnotationOutboundPortInclusion]; ok {
		copyPorts(&cfg.IncludeOutPorts, portsFromString(v))
	}
	if v, ok := annotations[AnnotationOutboundRangeExclusion]; ok {
		copyRanges(&cfg.ExcludeOutRanges, rangesFromString(v))
	}
	if v, ok := annotations[AnnotationOutboundRangeInclusion]; ok {
		copyRanges(&cfg.IncludeOutRanges, rangesFromString(v))
	}
	return cfg
}
