// Package cmd is the coworkd CLI.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/store"
	"github.com/nextlevelbuilder/coworkd/internal/store/pg"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/coworkd/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "coworkd",
	Short: "coworkd is an IM-to-agent gateway",
	Long:  "coworkd bridges chat platforms (DingTalk, Feishu, Telegram, Discord, WeCom) to a long-running tool-using agent runtime.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $COWORKD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sessionsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coworkd %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("COWORKD_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// openStore selects the backend: Postgres when a DSN is configured, else
// local SQLite.
func openStore(cfg *config.Config) (store.Store, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		return pg.Open(dsn)
	}
	return store.OpenSQLite(config.ExpandHome(cfg.Database.Path))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
