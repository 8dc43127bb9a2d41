package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/colony/pkg/agent"
	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a node agent",
	Long: `Run a node agent.

The agent joins the membership group through its seeds, waits for
commands from the master and supervises the processes it is told to
launch. Crashed processes are restarted up to --max-restarts times.`,
	RunE: runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.StringP("config", "c", "", "Agent YAML config file")
	f.String("host", "", "Host name of this node")
	f.String("listen", "", "Membership listen address")
	f.String("advertise", "", "Membership endpoint advertised to peers")
	f.StringSlice("seed", nil, "Membership seed endpoint, usually the master (repeatable)")
	f.Int("max-restarts", 0, "Crashes tolerated before a service is marked fatal")
	f.Duration("restart-wait", 0, "Delay before restarting a crashed service")
	f.Duration("shutdown-wait", 0, "Grace period between SIGTERM and kill")
	f.Duration("min-uptime", 0, "Restarted services exiting sooner are marked fatal (0 disables)")
	f.String("status-addr", "", "Agent status page listen address (empty disables)")
	f.Bool("status-read-only", false, "Reject mutating status page requests")
}

func applyAgentFlags(f *pflag.FlagSet, cfg *AgentConfig) {
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	applyMembershipFlags(f, &cfg.Membership)
	if f.Changed("max-restarts") {
		cfg.MaxRestarts, _ = f.GetInt("max-restarts")
	}
	if f.Changed("restart-wait") {
		cfg.RestartWait, _ = f.GetDuration("restart-wait")
	}
	if f.Changed("shutdown-wait") {
		cfg.ShutdownWait, _ = f.GetDuration("shutdown-wait")
	}
	if f.Changed("min-uptime") {
		cfg.MinUptime, _ = f.GetDuration("min-uptime")
	}
	if f.Changed("status-addr") {
		cfg.StatusAddr, _ = f.GetString("status-addr")
	}
	if f.Changed("status-read-only") {
		cfg.StatusReadOnly, _ = f.GetBool("status-read-only")
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		return err
	}
	applyAgentFlags(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	logger := log.WithHost("agent", cfg.Host)
	metrics.SetCriticalComponents(metrics.ComponentMembership, metrics.ComponentAgent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := membership.NewHeartbeatTransport(membership.HeartbeatConfig{
		Self:              cfg.Membership.self(cfg.Host, types.NodeKindAgent),
		ListenAddr:        cfg.Membership.Listen,
		Seeds:             cfg.Membership.Seeds,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval,
		FailureTimeout:    cfg.Membership.FailureTimeout,
	})

	ag, err := agent.New(agent.Config{
		Host:         cfg.Host,
		Transport:    transport,
		MaxRestarts:  cfg.MaxRestarts,
		RestartWait:  cfg.RestartWait,
		ShutdownWait: cfg.ShutdownWait,
		MinUptime:    cfg.MinUptime,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info().
		Str("listen", cfg.Membership.Listen).
		Strs("seeds", cfg.Membership.Seeds).
		Int("max_restarts", cfg.MaxRestarts).
		Msg("Starting agent")

	if err := ag.Start(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentMembership, false, err.Error())
		return fmt.Errorf("failed to start agent: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentMembership, true, "joined")
	metrics.UpdateComponent(metrics.ComponentAgent, true, "supervising")

	errCh := make(chan error, 1)
	var statusServer *api.AgentServer
	if cfg.StatusAddr != "" {
		statusServer = api.NewAgentServer(cfg.StatusAddr, ag, cfg.StatusReadOnly)
		go func() {
			if err := statusServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	hostStats := metrics.NewHostCollector(0)
	hostStats.Sample()

	healthTicker := time.NewTicker(cfg.HealthReportInterval)
	defer healthTicker.Stop()
	statsTicker := time.NewTicker(cfg.HostStatsInterval)
	defer statsTicker.Stop()

	logger.Info().Msg("Agent is running")

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down agent")
			break loop
		case err := <-errCh:
			logger.Error().Err(err).Msg("Agent status page stopped")
			break loop
		case <-healthTicker.C:
			ag.SendHealthReports()
		case <-statsTicker.C:
			hostStats.Sample()
			last := hostStats.Last()
			logger.Debug().
				Float64("cpu_percent", last.CPUPercent).
				Float64("memory_percent", last.MemoryPercent).
				Msg("Host utilisation")
		}
	}

	metrics.UpdateComponent(metrics.ComponentAgent, false, "stopping")
	if err := ag.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Agent stopped with error")
	}
	if statusServer != nil {
		shutdownServer(statusServer.Stop, logger)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
