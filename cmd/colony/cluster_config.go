package main

import (
	"fmt"
	"os"

	"github.com/cuemby/colony/pkg/storage"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the cluster configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the desired configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		entries, err := c.GetConfig()
		if err != nil {
			return fmt.Errorf("failed to get configuration: %w", err)
		}
		data, err := storage.EncodeEntries(entries)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var configApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replace the desired configuration",
	Long: `Replace the desired configuration with a YAML file.

Examples:
  # Apply a cluster configuration
  colony config apply -f colony.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		// Validate locally before sending
		entries, err := storage.DecodeEntries(data)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ApplyConfigYAML(data); err != nil {
			return fmt.Errorf("failed to apply configuration: %w", err)
		}
		fmt.Printf("✓ Applied configuration with %d node(s)\n", len(entries))
		return nil
	},
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the master re-read its configuration store",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ReloadConfig(); err != nil {
			return fmt.Errorf("failed to reload configuration: %w", err)
		}
		fmt.Println("✓ Configuration reloaded")
		return nil
	},
}

func init() {
	addServerFlag(configCmd)

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configApplyCmd)
	configCmd.AddCommand(configReloadCmd)

	configApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = configApplyCmd.MarkFlagRequired("file")
}
