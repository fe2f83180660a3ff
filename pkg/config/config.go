package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "MESH_DP"

type IdentityMode string

const (
	// in-mesh pods publish their address on the outbound listener
	IdentityProbe IdentityMode = "probe"
	// the pod address comes from the mark carried by the mark probe listener
	IdentityMark IdentityMode = "mark"
)

type Ports struct {
	Outbound  uint16 `mapstructure:"outbound" yaml:"outbound"`
	Inbound   uint16 `mapstructure:"inbound" yaml:"inbound"`
	DNS       uint16 `mapstructure:"dns" yaml:"dns"`
	MarkProbe uint16 `mapstructure:"markProbe" yaml:"markProbe"`
}

type Sidecar struct {
	UserID             uint32 `mapstructure:"userId" yaml:"userId"`
	LoopbackIP         string `mapstructure:"loopbackIp" yaml:"loopbackIp"`
	RejectSelfRedirect bool   `mapstructure:"rejectSelfRedirect" yaml:"rejectSelfRedirect"`
}

type Tables struct {
	Capacity       int `mapstructure:"capacity" yaml:"capacity"`
	NATCapacity    int `mapstructure:"natCapacity" yaml:"natCapacity"`
	CookieCapacity int `mapstructure:"cookieCapacity" yaml:"cookieCapacity"`
	Shards         int `mapstructure:"shards" yaml:"shards"`
}

type BPF struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	CgroupObject string   `mapstructure:"cgroupObject" yaml:"cgroupObject"`
	TCObject     string   `mapstructure:"tcObject" yaml:"tcObject"`
	PinPath      string   `mapstructure:"pinPath" yaml:"pinPath"`
	CgroupPath   string   `mapstructure:"cgroupPath" yaml:"cgroupPath"`
	Interfaces   []string `mapstructure:"interfaces" yaml:"interfaces"`
	NetNSPath    string   `mapstructure:"netnsPath" yaml:"netnsPath"`
}

// Config is the node agent configuration, file < env < flags.
type Config struct {
	Debug       bool         `mapstructure:"debug" yaml:"debug"`
	Identity    IdentityMode `mapstructure:"identity" yaml:"identity"`
	ProcRoot    string       `mapstructure:"procRoot" yaml:"procRoot"`
	MetricsPort int          `mapstructure:"metricsPort" yaml:"metricsPort"`
	AdminSocket string       `mapstructure:"adminSocket" yaml:"adminSocket"`
	Ports       Ports        `mapstructure:"ports" yaml:"ports"`
	Sidecar     Sidecar      `mapstructure:"sidecar" yaml:"sidecar"`
	Tables      Tables       `mapstructure:"tables" yaml:"tables"`
	BPF         BPF          `mapstructure:"bpf" yaml:"bpf"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("identity", string(IdentityProbe))
	v.SetDefault("procRoot", utils.PROC_ROOT)
	v.SetDefault("metricsPort", utils.PROMETHEUS_METRICS_PORT)
	v.SetDefault("adminSocket", utils.ADMIN_UNIX_SOCK_PATH)

	v.SetDefault("ports.outbound", utils.OUT_REDIRECT_PORT)
	v.SetDefault("ports.inbound", utils.IN_REDIRECT_PORT)
	v.SetDefault("ports.dns", utils.DNS_CAPTURE_PORT)
	v.SetDefault("ports.markProbe", utils.MARK_PROBE_PORT)

	v.SetDefault("sidecar.userId", utils.SIDECAR_USER_ID)
	v.SetDefault("sidecar.loopbackIp", utils.SIDECAR_LOOPBACK_IP)
	v.SetDefault("sidecar.rejectSelfRedirect", true)

	v.SetDefault("tables.capacity", utils.DEFAULT_TABLE_CAPACITY)
	v.SetDefault("tables.natCapacity", utils.DEFAULT_NAT_CAPACITY)
	v.SetDefault("tables.cookieCapacity", utils.DEFAULT_COOKIE_CAPACITY)
	v.SetDefault("tables.shards", utils.DEFAULT_TABLE_SHARDS)

	v.SetDefault("bpf.enabled", false)
	v.SetDefault("bpf.cgroupObject", utils.BPF_CGROUP_OBJECT)
	v.SetDefault("bpf.tcObject", utils.BPF_TC_OBJECT)
	v.SetDefault("bpf.pinPath", utils.BPF_PIN_PATH)
	v.SetDefault("bpf.cgroupPath", utils.CGROUP2_MOUNT_PATH)
	v.SetDefault("bpf.interfaces", []string{})
	v.SetDefault("bpf.netnsPath", "")
}

// NewViper returns a viper instance with defaults and env binding but no file.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when it exists, then env, and validates the result.
func Load(path string) (*Config, error) {
	return LoadWith(NewViper(), path)
}

func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[uint16]string)
	for name, port := range map[string]uint16{
		"outbound":  c.Ports.Outbound,
		"inbound":   c.Ports.Inbound,
		"dns":       c.Ports.DNS,
		"markProbe": c.Ports.MarkProbe,
	} {
		if port == 0 {
			return fmt.Errorf("ports.%s must be non zero", name)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("ports.%s and ports.%s share port %d", name, other, port)
		}
		seen[port] = name
	}

	switch c.Identity {
	case IdentityProbe, IdentityMark:
	default:
		return fmt.Errorf("unknown identity mode %q", c.Identity)
	}

	addr, err := netip.ParseAddr(c.Sidecar.LoopbackIP)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("sidecar.loopbackIp %q is not an ipv4 address", c.Sidecar.LoopbackIP)
	}

	if c.Tables.Capacity <= 0 || c.Tables.NATCapacity <= 0 || c.Tables.CookieCapacity <= 0 {
		return errors.New("table capacities must be positive")
	}
	if c.Tables.Shards <= 0 {
		return errors.New("tables.shards must be positive")
	}
	return nil
}

// SidecarAddr is the validated sidecar loopback source address.
func (c *Config) SidecarAddr() netip.Addr {
	addr, err := netip.ParseAddr(c.Sidecar.LoopbackIP)
	if err != nil {
		return utils.SidecarLoopback
	}
	return addr
}
