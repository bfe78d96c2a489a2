package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fsgrid/pkg/config"
	"fsgrid/pkg/master"
	"fsgrid/pkg/slave"
)

var version = "dev"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fsgrid",
		Short: "Distributed file grid",
		Long: `A master coordinates a set of slaves. Each slave merges several local
directories into one tree and keeps a control channel open to the master.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		masterCmd(),
		slaveCmd(),
		slavesCmd(),
		statusCmd(),
		selectCmd(),
		filesCmd(),
		healthCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or the environment when no file is given.
// Flags only fill in values the environment left unset.
func loadConfig(mode config.Mode, flagEnv map[string]string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadConfig(configFile)
	} else {
		if os.Getenv("FSGRID_MODE") == "" {
			os.Setenv("FSGRID_MODE", string(mode))
		}
		for key, value := range flagEnv {
			if value != "" && os.Getenv(key) == "" {
				os.Setenv(key, value)
			}
		}
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Mode != mode {
		return nil, fmt.Errorf("config is for %s mode, not %s", cfg.Mode, mode)
	}
	return cfg, nil
}

func masterCmd() *cobra.Command {
	var listen, admin, slavesDir string

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the master",
		Long:  `Accept slave connections, merge their files into one namespace and serve the admin API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.ModeMaster, map[string]string{
				"FSGRID_LISTEN_ADDRESS": listen,
				"FSGRID_ADMIN_ADDRESS":  admin,
				"FSGRID_SLAVES_DIR":     slavesDir,
			})
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Logging)
			defer logger.Sync()

			m, err := master.New(&cfg.Master, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting master",
				zap.String("listen", cfg.Master.ListenAddress),
				zap.String("admin", cfg.Master.AdminAddress),
				zap.String("slaves_dir", cfg.Master.SlavesDir))
			return m.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address slaves connect to (default "+config.DefaultListenAddress+")")
	cmd.Flags().StringVar(&admin, "admin", "", "admin API address (default "+config.DefaultAdminAddress+")")
	cmd.Flags().StringVar(&slavesDir, "slaves-dir", "", "directory of slave descriptors (default ./slaves)")
	return cmd
}

func slaveCmd() *cobra.Command {
	var name, masterAddr, roots string

	flagEnv := func() map[string]string {
		return map[string]string{
			"FSGRID_SLAVE_NAME":     name,
			"FSGRID_MASTER_ADDRESS": masterAddr,
			"FSGRID_ROOTS":          roots,
		}
	}

	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run a slave",
		Long:  `Connect to the master and serve the merged contents of the configured roots.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.ModeSlave, flagEnv())
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Logging)
			defer logger.Sync()

			s, err := slave.FromConfig(&cfg.Slave, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting slave",
				zap.String("name", cfg.Slave.Name),
				zap.String("master", cfg.Slave.MasterAddress),
				zap.Strings("roots", cfg.Slave.Roots))
			err = s.Run(ctx)
			var stopped *slave.StoppedError
			if errors.As(err, &stopped) {
				return fmt.Errorf("%s (register it with \"fsgrid slaves add %s\")", stopped.Message, cfg.Slave.Name)
			}
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&name, "name", "", "slave name")
	cmd.PersistentFlags().StringVar(&masterAddr, "master", "", "master address (default "+config.DefaultMasterAddress+")")
	cmd.PersistentFlags().StringVar(&roots, "roots", "", "comma-separated root directories")

	cmd.AddCommand(sweepCmd(flagEnv))
	return cmd
}

func sweepCmd(flagEnv func() map[string]string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep [path]",
		Short: "Delete directory trees that hold no files",
		Long: `Remove every directory under path, in every root, whose subtree contains no
regular files. Such directories are already hidden from listings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.ModeSlave, flagEnv())
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Logging)
			defer logger.Sync()

			store, err := slave.OpenStore(&cfg.Slave, logger)
			if err != nil {
				return err
			}
			target := "/"
			if len(args) == 1 {
				target = args[0]
			}

			if dryRun {
				hollow, err := store.Hollow(target)
				if err != nil {
					return err
				}
				for _, p := range hollow {
					fmt.Println(p)
				}
				fmt.Printf("%d hollow directories\n", len(hollow))
				return nil
			}

			removed, err := store.Sweep(target)
			for _, p := range removed {
				fmt.Println("removed", p)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be removed")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fsgrid " + version)
		},
	}
}

func setupLogger(verbose bool, logging config.LoggingConfig) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if logging.Development {
		cfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if logging.Level != "" {
		if parsed, err := zapcore.ParseLevel(logging.Level); err == nil {
			level = parsed
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
