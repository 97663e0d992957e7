// Command clusterforged runs the ClusterForge control plane: it loads
// configuration, wires the six repositories to a storage backend, and
// starts the lifecycle API alongside the three long-lived periodic tasks
// (health, metrics, backup). Grounded on the teacher's main.go (a direct
// wiring demo with no cobra/CLI layer), generalized into a real command
// tree via spf13/cobra the way the rest of the pack's service entrypoints
// do it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/clusterforge/clusterforge/alert"
	"github.com/clusterforge/clusterforge/backup"
	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/config"
	"github.com/clusterforge/clusterforge/health"
	"github.com/clusterforge/clusterforge/metrics"
	"github.com/clusterforge/clusterforge/port"
	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
	"github.com/clusterforge/clusterforge/store/boltstore"
	"github.com/clusterforge/clusterforge/template"
	"github.com/clusterforge/clusterforge/workspace"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "clusterforged",
		Short: "ClusterForge container cluster control plane",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "./clusterforge.yaml", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := cfg.Logger()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	driver := runtime.NewDockerDriver(dockerClient, log)
	driver.CallTimeout = time.Duration(cfg.RuntimeTimeoutMS) * time.Millisecond
	driver.StatsTimeout = time.Duration(cfg.RuntimeStatsTimeoutMS) * time.Millisecond

	db, repos, err := boltstore.Open(cfg.BoltPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	fs := afero.NewOsFs()

	templates := template.NewRegistry(fs, cfg.TemplatesRoot)
	if err := templates.Refresh(); err != nil {
		return fmt.Errorf("scan templates: %w", err)
	}

	seedPorts, err := seedPortsFromStore(repos)
	if err != nil {
		return fmt.Errorf("seed port allocator: %w", err)
	}
	ports := port.NewAllocator(cfg.PortRangeLo, cfg.PortRangeHi, seedPorts)

	workspaces := workspace.NewManager(fs, cfg.WorkspacesRoot)

	engine := cluster.New(repos, driver, templates, ports, workspaces,
		cluster.WithLogger(log),
		cluster.WithDefaultRecoveryPolicy(store.RecoveryPolicy{
			MaxAttempts:    cfg.RecoveryMaxAttempts,
			RetryIntervalS: cfg.RecoveryRetryIntervalS,
			CooldownS:      cfg.RecoveryCooldownS,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("startup reconcile failed")
	}

	alertBus := alert.NewBus()
	alertStore := alert.NewStore(repos.Alerts, alertBus, 5*time.Minute, log)

	healthCfg := health.Config{
		Interval:        time.Duration(cfg.HealthIntervalMS) * time.Millisecond,
		ProbeTimeout:    time.Duration(cfg.HealthTimeoutMS) * time.Millisecond,
		HTTPPath:        cfg.HealthHTTPPath,
		HTTPTimeout:     time.Duration(cfg.HealthTimeoutMS) * time.Millisecond,
		SampleRetention: 500,
		DefaultRecovery: store.RecoveryPolicy{
			MaxAttempts:    cfg.RecoveryMaxAttempts,
			RetryIntervalS: cfg.RecoveryRetryIntervalS,
			CooldownS:      cfg.RecoveryCooldownS,
		},
	}
	healthLoop := health.NewLoop(engine, driver, repos, alertStore, healthCfg, log)

	metricsBus := metrics.NewBus()
	metricsCfg := metrics.Config{
		Interval:        time.Duration(cfg.MetricsIntervalMS) * time.Millisecond,
		SampleRetention: cfg.MetricsHistorySize,
		Epsilon:         cfg.MetricsChangeEpsilonPct,
		MaxSilence:      time.Duration(cfg.MetricsMaxSilenceMS) * time.Millisecond,
	}
	sampler := metrics.NewSampler(driver, repos, workspaces, metricsBus, metricsCfg, log)

	backupEngine := backup.NewEngine(engine, repos, alertStore, fs, cfg.BackupsRoot, log)

	go healthLoop.Run(ctx)
	go sampler.Run(ctx)
	go backupEngine.Run(ctx)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if err := engine.RefreshTemplates(); err != nil {
				log.Warn().Err(err).Msg("template refresh failed")
			} else {
				log.Info().Msg("templates refreshed")
			}
		}
	}()

	log.Info().Int("port_lo", cfg.PortRangeLo).Int("port_hi", cfg.PortRangeHi).Msg("clusterforged started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()
	return nil
}

// seedPortsFromStore collects ports held by every non-DELETED cluster so
// the allocator never double-assigns a port after a restart (spec.md
// §4.3, §4.5 scenario 5).
func seedPortsFromStore(repos store.Repositories) ([]int, error) {
	recs, err := repos.Clusters.List()
	if err != nil {
		return nil, err
	}
	var ports []int
	for _, r := range recs {
		if r.State != store.StateDeleted {
			ports = append(ports, r.Port)
		}
	}
	return ports, nil
}
