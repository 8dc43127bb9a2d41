package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cuemby/colony/pkg/client"
	"github.com/cuemby/colony/pkg/types"
	"github.com/spf13/cobra"
)

const defaultServer = "localhost:7070"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nodes and service counts",
	Long: `Show every configured and available node and a count of services
per state, as seen by the master.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		configured, err := c.ConfiguredNodes()
		if err != nil {
			return fmt.Errorf("failed to get configured nodes: %w", err)
		}
		available, err := c.AvailableNodes()
		if err != nil {
			return fmt.Errorf("failed to get available nodes: %w", err)
		}
		services, err := c.ListServices("", "")
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}

		printStatus(os.Stdout, configured, available, services)
		return nil
	},
}

func init() {
	addServerFlag(statusCmd)
}

// addServerFlag registers --server on a client command
func addServerFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "", "Master status API address (default $COLONY_SERVER or "+defaultServer+")")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv("COLONY_SERVER")
	}
	if server == "" {
		server = defaultServer
	}
	c, err := client.NewClient(server)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}

func printStatus(w io.Writer, configured map[string]bool, available []string, services map[string]types.ServiceDescriptor) {
	perHost := make(map[string]int)
	for _, desc := range services {
		perHost[desc.Host]++
	}

	hosts := make(map[string]string)
	for host, online := range configured {
		hosts[host] = "offline"
		if online {
			hosts[host] = "online"
		}
	}
	for _, host := range available {
		if _, ok := hosts[host]; !ok {
			hosts[host] = "unconfigured"
		}
	}
	names := make([]string, 0, len(hosts))
	for host := range hosts {
		names = append(names, host)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tSERVICES")
	for _, host := range names {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", host, hosts[host], perHost[host])
	}
	tw.Flush()

	counts := make(map[types.State]int)
	fatal := 0
	for _, desc := range services {
		counts[desc.State]++
		if desc.Fatal {
			fatal++
		}
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tCOUNT")
	for _, state := range types.AllStates() {
		if counts[state] > 0 {
			fmt.Fprintf(tw, "%s\t%d\n", state, counts[state])
		}
	}
	if fatal > 0 {
		fmt.Fprintf(tw, "Fatal\t%d\n", fatal)
	}
	tw.Flush()
}
