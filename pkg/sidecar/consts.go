package sidecar

// programs in the cgroup object, attached to the root cgroup v2 so every pod
// on the node is covered by a single attachment
const (
	PROG_CGROUP_CONNECT4   = "mesh_cgroup_connect4"
	PROG_CGROUP_SOCKOPS    = "mesh_sockops"
	PROG_CGROUP_GETSOCKOPT = "mesh_getsockopt"
	PROG_SK_MSG_REDIR      = "mesh_sk_msg_redir"
)

// hook return codes for cgroup programs
const (
	CGROUP_DENY  = 0
	CGROUP_ALLOW = 1
)
