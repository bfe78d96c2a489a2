package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"fsgrid/pkg/admin"
	"fsgrid/pkg/client"
	"fsgrid/pkg/config"
	"fsgrid/pkg/types"
)

var (
	adminAddr  string
	jsonOutput bool
)

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "master admin API address (overrides client config)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
}

// adminClient builds a client from the client config and --admin.
func adminClient() (*client.AdminClient, *config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, nil, err
	}
	if adminAddr != "" {
		cfg.AdminAddress = adminAddr
	}
	if cfg.OutputFormat == "json" {
		jsonOutput = true
	}
	return client.NewAdminClient(cfg.AdminURL(), cfg.Timeout.Duration), cfg, nil
}

func requestContext(cfg *config.ClientConfig) (context.Context, context.CancelFunc) {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func slavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slaves",
		Short: "Manage the slaves registered with a master",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		slavesListCmd(),
		slavesShowCmd(),
		slavesAddCmd(),
		slavesRemoveCmd(),
		slavesKickCmd(),
		slavesRemergeCmd(),
		slavesVerifyCmd(),
	)
	return cmd
}

func slavesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List every registered slave",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			infos, err := c.ListSlaves(ctx)
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
}

func slavesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one slave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			info, err := c.GetSlave(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(info)
			}
			fmt.Println(renderSlaveCard(*info))
			return nil
		},
	}
}

func slavesAddCmd() *cobra.Command {
	var (
		masks []string
		roots []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a slave",
		Long: `Register a slave and the addresses it may connect from. A mask is a CIDR
prefix (10.0.0.0/8), a literal address or a glob over the address (192.168.1.*).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			info, err := c.AddSlave(ctx, admin.AddRequest{
				Name:  types.SlaveName(args[0]),
				Masks: masks,
				Roots: roots,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(info)
			}
			fmt.Println(successStyle.Render("✓ Added slave " + string(info.Name)))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&masks, "mask", []string{"127.0.0.1"}, "address mask the slave may connect from (repeatable)")
	cmd.Flags().StringSliceVar(&roots, "root", nil, "root directory on the slave, informational (repeatable)")
	return cmd
}

func slavesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a slave's record and disconnect it for good",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			if err := c.RemoveSlave(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Removed slave " + args[0]))
			return nil
		},
	}
}

func slavesKickCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "kick <name>",
		Short: "Disconnect a slave; it will reconnect on its own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			if by == "" {
				by = "admin"
				if u, err := user.Current(); err == nil {
					by = u.Username
				}
			}
			if err := c.KickSlave(ctx, args[0], by); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Kicked slave " + args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "who is kicking, recorded in the offline reason (default current user)")
	return cmd
}

func slavesRemergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remerge <name>",
		Short: "Refetch a slave's files into the namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			if err := c.RemergeSlave(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Remerged slave " + args[0]))
			return nil
		},
	}
}

func slavesVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Ping every online slave and drop the silent ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cfg)
			defer cancel()

			removed, err := c.Verify(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(admin.VerifyResponse{Removed: removed})
			}
			if removed == 0 {
				fmt.Println(successStyle.Render("✓ Every online slave answered"))
			} else {
				fmt.Println(warnStyle.Render(fmt.Sprintf("⚠ %d slave(s) taken offline", removed)))
			}
			return nil
		},
	}
}
