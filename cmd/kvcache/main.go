// Command kvcache runs the TTL cache as an HTTP service and offers one-shot
// commands against the same store.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kvcache/internal/config"
	"kvcache/internal/logs"
	"kvcache/internal/metrics"
)

// app carries state shared by all subcommands.
type app struct {
	loader     *config.Loader
	configFile string
	cfg        *config.Config
	logger     *logs.Logger
	metrics    *metrics.Registry
	logOut     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{
		loader:  config.NewLoader(),
		metrics: metrics.NewRegistry(),
		logOut:  os.Stderr,
	}

	rootCmd := &cobra.Command{
		Use:          "kvcache",
		Short:        "Key-value cache with time-to-live expiry",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default searched in the user config dir)")
	flags.String("backend", config.BackendSQLite, "storage backend: memory, memdb, sqlite, redis or postgres")
	flags.String("store", "", "store name: database path, key prefix or schema")
	flags.String("table", "entries", "table holding the records")
	flags.String("log-level", "INFO", "log level: DEBUG, INFO, WARN or ERROR")

	for _, name := range []string{"backend", "store", "table", "log-level"} {
		_ = a.loader.Viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newSetCmd(a),
		newDeleteCmd(a),
		newCleanupCmd(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	a.loader.ConfigFile = a.configFile
	a.loader.Changed = func(key string) bool {
		f := cmd.Flags().Lookup(key)
		return f != nil && f.Changed
	}

	cfg, err := a.loader.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	a.cfg = cfg
	a.logger = logs.NewLogger(cfg.LogHistory, cfg.Level(),
		logs.WithOutput(a.logOut),
		logs.WithName(config.AppName),
	)
	if used := a.loader.FileUsed(); used != "" {
		a.logger.Debug("using configuration file", logs.String("path", used))
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
