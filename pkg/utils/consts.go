package utils

// sidecar listeners in the pod network namespace
const (
	OUT_REDIRECT_PORT   = 15001 // outbound capture listener
	IN_REDIRECT_PORT    = 15003 // inbound capture listener
	DNS_CAPTURE_PORT    = 15053
	MARK_PROBE_PORT     = 39807 // listener carrying the pod mark in mark identity mode
	DEFAULT_STATUS_PORT = 15021
)

const (
	SIDECAR_USER_ID     = 1500
	SIDECAR_LOOPBACK_IP = "127.0.0.6" // source address the sidecar uses toward its own app

	// connect4 synthetic destination block 127.128.0.0/12, counter wraps at 1<<20
	SYNTHETIC_LOOPBACK_BASE = 0x7f800000
	SYNTHETIC_LOOPBACK_SPAN = 1 << 20

	MAX_ITEM_LEN        = 20   // fixed capacity of every pod config list
	MAX_OPS_BUFF_LENGTH = 4096 // ceiling for getsockopt option buffers
	SOCKADDR_IN_LEN     = 16
)

// table defaults, the kernel object sizes its maps the same way
const (
	DEFAULT_TABLE_CAPACITY  = 65535
	DEFAULT_TABLE_SHARDS    = 16
	DEFAULT_NAT_CAPACITY    = 65535
	DEFAULT_COOKIE_CAPACITY = 65535
)

// node agent paths
const (
	NODE_CONFIG_FILE        = "/etc/mesh-dp/config.yaml"
	PROMETHEUS_METRICS_PORT = 3232
	ADMIN_UNIX_SOCK_PATH    = "/run/mesh-dp.sock"
	BPF_PIN_PATH            = "/sys/fs/bpf/mesh-dp"
	BPF_CGROUP_OBJECT       = "ebpf/mesh_cgroup.o"
	BPF_TC_OBJECT           = "ebpf/mesh_tc.o"
	CGROUP2_MOUNT_PATH      = "/sys/fs/cgroup"
	PROC_ROOT               = "/proc"
)

// pinned map names, shared with the kernel object
const (
	MESH_CGROUP_INFO_MAP = "cgroup_info_map"
	MESH_POD_CONFIG_MAP  = "local_pod_ips"
	MESH_COOKIE_ORIG_MAP = "cookie_original_dst"
	MESH_PROCESS_IP_MAP  = "process_ip"
	MESH_PAIR_ORIG_MAP   = "pair_original_dst"
	MESH_MARK_IP_MAP     = "mark_pod_ips_map"
	MESH_SOCK_PAIR_MAP   = "sock_pair_map"
)
