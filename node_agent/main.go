package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/cgroup"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/cli"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/config"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/log"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/sidecar"
	tcl "github.com/Synarcs/Mesh-Interception-Dataplane/pkg/tc"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func parseFlags(args []string) (*viper.Viper, string, error) {
	fs := pflag.NewFlagSet("node_agent", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", utils.NODE_CONFIG_FILE, "node agent config file")
	fs.Bool("debug", false, "Run the Node Agent in debug mode")
	fs.String("identity", string(config.IdentityProbe), "pod identity detection: probe or mark")
	fs.Bool("bpf", false, "load and attach the kernel hooks and pin the shared tables")
	fs.Int("metrics-port", utils.PROMETHEUS_METRICS_PORT, "prometheus exporter port")
	fs.String("admin-socket", utils.ADMIN_UNIX_SOCK_PATH, "admin api unix socket")
	fs.Usage = func() {
		fmt.Println("Usage: node_agent [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	v := config.NewViper()
	for key, flag := range map[string]string{
		"debug":       "debug",
		"identity":    "identity",
		"bpf.enabled": "bpf",
		"metricsPort": "metrics-port",
		"adminSocket": "admin-socket",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, "", err
		}
	}
	return v, *configPath, nil
}

func identityStrategy(cfg *config.Config, tables *maps.Tables, logger *zap.Logger) cgroup.IdentityStrategy {
	if cfg.Identity == config.IdentityMark {
		return &cgroup.MarkIdentity{
			Port:   cfg.Ports.MarkProbe,
			Marks:  cgroup.SockDiagMarkLookup{},
			Table:  tables.MarkIPs,
			Logger: logger.Named("mark"),
		}
	}
	return cgroup.ProbeIdentity{}
}

func tablesConfig(cfg *config.Config) maps.TablesConfig {
	return maps.TablesConfig{
		Capacity:       cfg.Tables.Capacity,
		NATCapacity:    cfg.Tables.NATCapacity,
		CookieCapacity: cfg.Tables.CookieCapacity,
		Shards:         cfg.Tables.Shards,
	}
}

func logReady(logger *zap.Logger, cfg *config.Config, identity string) {
	settings := sidecar.SettingsFromConfig(cfg)
	logger.Info("mesh dataplane ready",
		zap.Bool("bpf", cfg.BPF.Enabled),
		zap.String("identity", identity),
		zap.Uint16("outbound", settings.OutboundPort),
		zap.Uint16("inbound", settings.InboundPort),
		zap.Uint32("sidecarUid", settings.SidecarUID),
		zap.Stringer("sidecarIp", settings.SidecarIP),
		zap.Bool("rejectSelfRedirect", settings.RejectSelfRedirect),
	)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var (
		tables   *maps.Tables
		hooks    *sidecar.KernelHooks
		attacher *tcl.Attacher
		err      error
	)

	if cfg.BPF.Enabled {
		// the cgroup object creates and pins the shared tables, everything
		// else opens the pins
		hooks, err = sidecar.LoadKernelHooks(sidecar.HookOptions{
			Object:     cfg.BPF.CgroupObject,
			PinPath:    cfg.BPF.PinPath,
			CgroupPath: cfg.BPF.CgroupPath,
		}, logger)
		if err != nil {
			return fmt.Errorf("load cgroup hooks: %w", err)
		}
		defer hooks.Close()

		if tables, err = maps.OpenPinnedTables(cfg.BPF.PinPath, tablesConfig(cfg)); err != nil {
			return err
		}

		attacher = tcl.NewAttacher(logger)
		if err := attacher.Attach(tcl.AttachOptions{
			Object:     cfg.BPF.TCObject,
			PinPath:    cfg.BPF.PinPath,
			NetNSPath:  cfg.BPF.NetNSPath,
			Interfaces: cfg.BPF.Interfaces,
		}); err != nil {
			return fmt.Errorf("attach packet nat: %w", err)
		}
		defer attacher.DetachHandler()
	} else if tables, err = maps.NewLRUTables(tablesConfig(cfg)); err != nil {
		return err
	}

	identity := identityStrategy(cfg, tables, logger)
	resolver := cgroup.NewResolver(tables.Cgroups, cgroup.NewProcNetLookup(cfg.ProcRoot), identity, cfg.Ports.Outbound, logger)
	logReady(logger, cfg, identity.Name())

	cliSock := cli.GenerateRemoteCliSocketServer(cfg.AdminSocket, resolver, tables, logger)
	defer cliSock.CleanRemoteSock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return events.StartPrometheusMetricExporterServer(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		return cliSock.ConfigureUnixSocket(ctx)
	})
	return g.Wait()
}

func main() {
	v, configPath, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadWith(v, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error cannot boot node agent:", err)
		os.Exit(1)
	}

	logger, err := log.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	utils.DEBUG = cfg.Debug

	logger.Info("The Node Agent Booted up", zap.Int("pid", os.Getpid()), zap.String("config", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node agent stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Received signal, kernel hooks detached", zap.Int("pid", os.Getpid()))
}
