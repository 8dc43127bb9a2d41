package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/autoconfig"
	"github.com/cuemby/colony/pkg/controller"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the master controller",
	Long: `Run the master controller.

The master loads the desired cluster configuration, joins the membership
group, waits for the configured agents to appear and launches every
configured service. It then follows membership changes and agent status
reports, and serves the status API.

Send SIGHUP to reload the configuration store.`,
	RunE: runMaster,
}

func init() {
	f := masterCmd.Flags()
	f.StringP("config", "c", "", "Master YAML config file")
	f.String("host", "", "Host name of this master")
	f.String("listen", "", "Membership listen address")
	f.String("advertise", "", "Membership endpoint advertised to peers")
	f.StringSlice("seed", nil, "Membership seed endpoint (repeatable)")
	f.String("store", "", "Configuration store type (file, bolt)")
	f.String("store-path", "", "Cluster configuration YAML file (file store)")
	f.String("data-dir", "", "Data directory (bolt store)")
	f.String("catalog", "", "Service catalogue YAML file for auto-configured nodes")
	f.Bool("auto-config", true, "Add unknown agents as spare nodes")
	f.Bool("auto-unconfigure", true, "Remove auto-configured nodes when they leave")
	f.Bool("unconfigure-on-startup", false, "Drop auto-configured nodes before the first launch")
	f.String("api-addr", "", "Status API listen address")
	f.Bool("api-read-only", false, "Reject mutating status API requests")
	f.String("redis-addr", "", "Forward events to Redis pub/sub at this address")
}

func applyMasterFlags(f *pflag.FlagSet, cfg *MasterConfig) {
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	applyMembershipFlags(f, &cfg.Membership)
	if f.Changed("store") {
		cfg.Store.Type, _ = f.GetString("store")
	}
	if f.Changed("store-path") {
		cfg.Store.Path, _ = f.GetString("store-path")
	}
	if f.Changed("data-dir") {
		cfg.Store.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("catalog") {
		cfg.Catalog, _ = f.GetString("catalog")
	}
	if f.Changed("auto-config") {
		cfg.AutoConfig, _ = f.GetBool("auto-config")
	}
	if f.Changed("auto-unconfigure") {
		cfg.AutoUnconfigure, _ = f.GetBool("auto-unconfigure")
	}
	if f.Changed("unconfigure-on-startup") {
		cfg.UnconfigureOnStartup, _ = f.GetBool("unconfigure-on-startup")
	}
	if f.Changed("api-addr") {
		cfg.APIAddr, _ = f.GetString("api-addr")
	}
	if f.Changed("api-read-only") {
		cfg.APIReadOnly, _ = f.GetBool("api-read-only")
	}
	if f.Changed("redis-addr") {
		cfg.Redis.Addr, _ = f.GetString("redis-addr")
	}
}

func applyMembershipFlags(f *pflag.FlagSet, m *MembershipConfig) {
	if f.Changed("listen") {
		m.Listen, _ = f.GetString("listen")
	}
	if f.Changed("advertise") {
		m.Advertise, _ = f.GetString("advertise")
	}
	if f.Changed("seed") {
		m.Seeds, _ = f.GetStringSlice("seed")
	}
}

func runMaster(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadMasterConfig(path)
	if err != nil {
		return err
	}
	applyMasterFlags(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid master configuration: %w", err)
	}

	logger := log.WithHost("master", cfg.Host)
	metrics.SetCriticalComponents(metrics.ComponentMembership, metrics.ComponentConfig, metrics.ComponentAPI)

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close configuration store")
		}
	}()

	catalog, err := loadCatalog(cfg.Catalog, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if cfg.Redis.Addr != "" {
		sink, err := events.NewRedisSink(ctx, events.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return err
		}
		sink.Attach(broker)
		defer sink.Close()
	}

	transport := membership.NewHeartbeatTransport(membership.HeartbeatConfig{
		Self:              cfg.Membership.self(cfg.Host, types.NodeKindMaster),
		ListenAddr:        cfg.Membership.Listen,
		Seeds:             cfg.Membership.Seeds,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval,
		FailureTimeout:    cfg.Membership.FailureTimeout,
	})

	ctrl, err := controller.New(controller.Config{
		Transport: transport,
		Store:     store,
		Policy: autoconfig.New(autoconfig.Config{
			Enabled:            cfg.AutoConfig,
			UnconfigureEnabled: cfg.AutoUnconfigure,
			Catalog:            catalog,
		}),
		Events:               broker,
		UnconfigureOnStartup: cfg.UnconfigureOnStartup,
		ViewPollInterval:     cfg.ViewPollInterval,
		ViewMaxWait:          cfg.ViewMaxWait,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	apiServer, err := api.NewServer(api.Config{
		Addr:     cfg.APIAddr,
		Status:   ctrl,
		Broker:   broker,
		ReadOnly: cfg.APIReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to create status API: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("store", cfg.Store.Type).
		Str("api", cfg.APIAddr).
		Str("listen", cfg.Membership.Listen).
		Bool("auto_config", cfg.AutoConfig).
		Msg("Starting master")

	if err := ctrl.Start(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentConfig, false, err.Error())
		shutdownServer(apiServer.Stop, logger)
		return fmt.Errorf("failed to start controller: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentMembership, true, "joined")
	metrics.UpdateComponent(metrics.ComponentConfig, true, "loaded")

	collector := metrics.NewCollector(ctrl, cfg.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	logger.Info().Msg("Master is running")

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down master")
			break loop
		case err := <-errCh:
			logger.Error().Err(err).Msg("Status API stopped")
			break loop
		case <-hupCh:
			if err := ctrl.ReloadConfig(); err != nil {
				metrics.UpdateComponent(metrics.ComponentConfig, false, err.Error())
				logger.Error().Err(err).Msg("Configuration reload failed")
				continue
			}
			metrics.UpdateComponent(metrics.ComponentConfig, true, "reloaded")
		}
	}

	if err := ctrl.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Controller stopped with error")
	}
	shutdownServer(apiServer.Stop, logger)

	logger.Info().Msg("Shutdown complete")
	return nil
}

// openStore opens the configured store and returns its closer
func openStore(cfg StoreConfig) (storage.ConfigStore, func() error, error) {
	switch cfg.Type {
	case "bolt":
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "file":
		return storage.NewFileStore(cfg.Path), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// loadCatalog reads the catalogue file when given. A bolt store keeps its
// own copy: a given file replaces it, otherwise the stored one is used.
func loadCatalog(path string, store storage.ConfigStore) (*storage.Catalog, error) {
	bolt, isBolt := store.(*storage.BoltStore)

	if path == "" {
		if isBolt {
			return bolt.LoadCatalog()
		}
		return nil, nil
	}

	catalog, err := storage.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if isBolt {
		if err := bolt.SaveCatalog(catalog); err != nil {
			return nil, fmt.Errorf("failed to store catalog: %w", err)
		}
	}
	return catalog, nil
}

// shutdownServer drains an HTTP server within shutdownTimeout
func shutdownServer(stop func(context.Context) error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
}
