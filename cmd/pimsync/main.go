package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/pimsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pimsync",
		Short:        "PIM event synchronization engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncCommand(),
		newServeCommand(),
		newCheckCommand(),
		newManifestCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Pending events drained per pass (0 drains all)")
	cmd.PersistentFlags().Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between scheduled passes in serve mode (0 disables)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("lock.redis_url"), "Redis URL for shared pass locks")
	cmd.PersistentFlags().String("mapping-definitions", defaults.GetString("mapping.definitions_path"), "YAML property map overrides")

	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	bindFlag(cmd, "lock.redis_url", "redis-url")
	bindFlag(cmd, "mapping.definitions_path", "mapping-definitions")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
