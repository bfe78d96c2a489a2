package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fsgrid/pkg/client"
	"fsgrid/pkg/config"
	"fsgrid/pkg/master"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show disk space across every slave",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(status)
			}
			fmt.Println(renderStatus(status))
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func selectCmd() *cobra.Command {
	var (
		count     int
		exempt    []string
		ascending bool
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick slaves by free disk space",
		Long:  `Rank online slaves by available space, most free first unless --ascending is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			infos, err := c.Select(ctx, count, exempt, ascending)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(infos)
			}
			fmt.Println(renderSlavesTable(infos))
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of slaves to pick")
	cmd.Flags().StringSliceVar(&exempt, "exempt", nil, "slaves to leave out")
	cmd.Flags().BoolVar(&ascending, "ascending", false, "prefer the fullest slaves")
	return cmd
}

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Print the master's merged namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()
			return c.Files(ctx, os.Stdout)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func healthCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "health <address>",
		Short: "Query a master's gRPC health endpoint",
		Long: `Ask the master's health endpoint for its serving status. The default service
reports SERVING only while at least one slave is online.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "localhost" + config.DefaultHealthAddress
			if len(args) == 1 {
				target = args[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			status, err := client.CheckHealth(ctx, target, service)
			if err != nil {
				return err
			}
			name := status.String()
			if name == "SERVING" {
				fmt.Println(successStyle.Render("● " + name))
				return nil
			}
			fmt.Println(errorStyle.Render("● " + name))
			os.Exit(2)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", master.HealthService, "health service to query (empty for the process)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the local client configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the client configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			fmt.Println(dimStyle.Render("# " + config.GetConfigPath()))
			return printJSON(cfg)
		},
	})

	var timeout time.Duration
	var output string
	set := &cobra.Command{
		Use:   "set-admin <address>",
		Short: "Save the master admin API address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			cfg.AdminAddress = args[0]
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = config.Duration{Duration: timeout}
			}
			if output != "" {
				if output != "styled" && output != "json" {
					return fmt.Errorf("invalid output format %q (want styled or json)", output)
				}
				cfg.OutputFormat = output
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Saved " + config.GetConfigPath()))
			return nil
		},
	}
	set.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	set.Flags().StringVar(&output, "output", "", "default output format: styled or json")
	cmd.AddCommand(set)

	return cmd
}
