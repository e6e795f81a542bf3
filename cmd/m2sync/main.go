// Package main is the entry point for the m2sync CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/config"
	"github.com/TFMV/m2sync/logger"
	"github.com/TFMV/m2sync/version"

	_ "github.com/TFMV/m2sync/integrations/duckdb"
	_ "github.com/TFMV/m2sync/integrations/memory"
	_ "github.com/TFMV/m2sync/integrations/sqlstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by subcommands once the config is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "m2sync",
		Short: "m2sync keeps a local store in step with a Magento 2 shop",
		Long: `m2sync fetches orders and customers changed within a date window,
classifies them against the stored table as new, changed or unchanged,
appends the new rows and upserts the changed ones.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default m2sync.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of m2sync",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	})
	rootCmd.AddCommand(newSyncCommand(a))
	rootCmd.AddCommand(newTablesCommand(a))
	rootCmd.AddCommand(newServeCommand(a))

	return rootCmd
}

// load reads the configuration and sets up logging.
func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger.ResetLogger()
	logger.SetLogPath(cfg.Log.File)
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger.GetLogger()
	return nil
}

// runCtx returns the command context, which is nil when the command is
// executed without ExecuteContext.
func runCtx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
