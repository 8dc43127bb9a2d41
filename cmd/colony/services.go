package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/cuemby/colony/pkg/client"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/types"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:     "services",
	Aliases: []string{"service", "svc"},
	Short:   "Inspect and control services",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List service replicas",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		state, _ := cmd.Flags().GetString("state")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		services, err := c.ListServices(host, state)
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}
		printServices(os.Stdout, services)
		return nil
	},
}

var servicesStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a service replica",
	Long: `Ask the master to start a service replica. The id has the form
host:service:instance. A fatal replica is cleared and retried.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.StartService(args[0]); err != nil {
			return fmt.Errorf("failed to start %s: %w", args[0], err)
		}
		fmt.Printf("✓ Start requested for %s\n", args[0])
		return nil
	},
}

var servicesShutdownCmd = &cobra.Command{
	Use:   "shutdown ID",
	Short: "Stop a service replica without restart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ShutdownService(args[0]); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", args[0], err)
		}
		fmt.Printf("✓ Shutdown requested for %s\n", args[0])
		return nil
	},
}

var servicesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow cluster events",
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("type")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return c.WatchEvents(ctx, prefix, func(e *events.Event) error {
			printEvent(os.Stdout, e)
			return nil
		})
	},
}

var servicesLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "List replicas supervised by one agent",
	Long: `List the replicas an agent is supervising, read from the agent's own
status page rather than the master.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("agent")
		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		defer c.Close()

		services, err := c.AgentServices()
		if err != nil {
			return fmt.Errorf("failed to list agent services: %w", err)
		}
		byID := make(map[string]types.ServiceDescriptor, len(services))
		for _, desc := range services {
			byID[desc.ID()] = desc
		}
		printServices(os.Stdout, byID)
		return nil
	},
}

var servicesStopLocalCmd = &cobra.Command{
	Use:   "stop-local ID",
	Short: "Stop a replica directly on its agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("agent")
		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.StopLocal(args[0]); err != nil {
			return fmt.Errorf("failed to stop %s: %w", args[0], err)
		}
		fmt.Printf("✓ Stopped %s on %s\n", args[0], addr)
		return nil
	},
}

func init() {
	addServerFlag(servicesCmd)

	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesStartCmd)
	servicesCmd.AddCommand(servicesShutdownCmd)
	servicesCmd.AddCommand(servicesWatchCmd)
	servicesCmd.AddCommand(servicesLocalCmd)
	servicesCmd.AddCommand(servicesStopLocalCmd)

	servicesListCmd.Flags().String("host", "", "Only list replicas on this host")
	servicesListCmd.Flags().String("state", "", "Only list replicas in this state")
	servicesWatchCmd.Flags().String("type", "", "Event type prefix, e.g. service. or node.")
	for _, cmd := range []*cobra.Command{servicesLocalCmd, servicesStopLocalCmd} {
		cmd.Flags().String("agent", "localhost:7071", "Agent status page address")
	}
}

func printServices(w io.Writer, services map[string]types.ServiceDescriptor) {
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOST\tSERVICE\tSTATE\tRESTARTS\tFATAL")
	for _, id := range ids {
		desc := services[id]
		fatal := ""
		if desc.Fatal {
			fatal = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", id, desc.Host, desc.Spec.Name, desc.State, desc.Restarts, fatal)
	}
	tw.Flush()
}

func printEvent(w io.Writer, e *events.Event) {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s  %-24s %s", e.Timestamp.Format("15:04:05"), e.Type, e.Message)
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%s", k, e.Metadata[k])
	}
	fmt.Fprintln(w)
}
