// Package controlplane wires and starts the sentinel-cp server: store,
// object store, engines, dispatcher and the two HTTP listeners. The root
// command runs the server; subcommands cover schema migration and first-run
// bootstrap.
package controlplane

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinel-cp/internal/config"
	"github.com/sentinelproxy/sentinel-cp/internal/log"
	"github.com/sentinelproxy/sentinel-cp/pkg/version"
)

type controlPlane struct {
	configFile     string
	dataDir        string
	apiAddr        string
	managementAddr string
}

// App builds the sentinel-cp command tree.
func App() *cobra.Command {
	cp := &controlPlane{}
	root := &cobra.Command{
		Use:          "sentinel-cp",
		Short:        "Sentinel control plane: bundle distribution, node registry, rollouts and drift remediation",
		Version:      version.FriendlyVersion(),
		SilenceUsage: true,
		RunE:         cp.run,
	}
	fs := root.PersistentFlags()
	fs.StringVarP(&cp.configFile, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&cp.dataDir, "data-dir", "", "directory for the embedded store and local bundle artifacts")
	fs.StringVar(&cp.apiAddr, "api-addr", "", "bind address of the node and operator API (overrides listen.api)")
	fs.StringVar(&cp.managementAddr, "management-addr", "", "bind address of health and metrics endpoints (overrides listen.management)")

	root.AddCommand(
		migrateApp(cp),
		bootstrapApp(cp),
		versionApp(),
	)
	return root
}

// loadConfig reads the configuration file and applies flag overrides on top,
// so a flag beats both the file and the SENTINEL_* environment.
func (c *controlPlane) loadConfig() (*config.Config, error) {
	cfg, err := config.Read(c.configFile)
	if err != nil {
		return nil, err
	}
	if c.dataDir != "" {
		cfg.ApplyDataDir(c.dataDir)
	}
	if c.apiAddr != "" {
		cfg.Listen.API = c.apiAddr
	}
	if c.managementAddr != "" {
		cfg.Listen.Management = c.managementAddr
	}
	return cfg, nil
}

func (c *controlPlane) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger.Info("starting sentinel-cp", "version", version.FriendlyVersion(),
		"store", cfg.Store.Driver, "objects", cfg.ObjectStore.Driver)

	srv, err := NewServer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(cmd.Context())
}

func versionApp() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FriendlyVersion())
		},
	}
}
