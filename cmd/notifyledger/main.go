package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notifyledger/internal/config"
	"notifyledger/internal/storage"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "notifyledger",
		Short:         "Capture transactions from payment notifications",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml or json)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(policyCmd(&configPath))
	rootCmd.AddCommand(ledgerCmd(&configPath))
	rootCmd.AddCommand(queueCmd(&configPath))
	return rootCmd
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

// openStore loads the config and opens its store with the schema in place.
// The caller closes the store.
func openStore(ctx context.Context, path string) (*config.Manager, *storage.Store, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.NewStore(cfg.Get().Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	return cfg, store, nil
}
