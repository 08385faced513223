package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostvol/hostvol/pkg/config"
	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/tenantstore"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostvol",
	Short: "Hostvol - host-side volume service for virtual machines",
	Long: `Hostvol is the host-side control plane that lets virtual machines
create, remove, attach and detach block-storage volumes, subject to
per-tenant authorization and quota limits.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hostvol version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the tenant store",
	Long: `Initialize the tenant/authorization store: create the schema, the
default tenant and its catch-all privileges.

Until this has run, the service operates in allow-all mode: every VM is
attributed to the default tenant and nothing is denied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		store, err := tenantstore.Open(cfg.DBPath, datastore.NewRegistry(datastore.DirProber{Root: cfg.DatastoreRoot}), datastore.NewResolver())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Init(); err != nil {
			return err
		}
		fmt.Printf("Tenant store initialized at %s\n", cfg.DBPath)
		return nil
	},
}
