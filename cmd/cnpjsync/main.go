// Command cnpjsync publishes the CNPJ open-data registry as per-entity JSON
// documents, syncing only what changed since the previous run.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/logging"
)

var (
	configFile    string
	dashboardPort int

	cfg   *config.Config
	logs  *logging.Sink
	runID string
)

var rootCmd = &cobra.Command{
	Use:   "cnpjsync",
	Short: "Incremental CNPJ registry export and sync",
	Long: `cnpjsync downloads the monthly CNPJ open-data release, converts it to
parquet, regenerates one JSON document per entity and uploads only the
documents whose content changed since the last run.

Configuration comes from config.{toml,yaml,json}, a .env file and the
environment. Run 'cnpjsync config' to see the effective values.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port = dashboardPort
		}

		runID = uuid.NewString()
		opts := logging.Options{RunID: runID}
		if cfg.Log.File {
			opts.Dir = cfg.Paths.Logs
			opts.MaxSizeMB = cfg.Log.MaxSizeMB
			opts.MaxBackups = cfg.Log.MaxBackups
			opts.MaxAgeDays = cfg.Log.MaxAgeDays
		}
		logs = logging.New(opts)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Pipeline:"},
		&cobra.Group{ID: "stages", Title: "Individual stages:"},
		&cobra.Group{ID: "tools", Title: "Tools:"},
	)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./config.{toml,yaml,json})")
	rootCmd.PersistentFlags().IntVar(&dashboardPort, "dashboard-port", 0, "Serve a live progress feed on this port (0 disables)")
}

// errOut is where fatal errors go: the log sink once it exists, so they also
// land in the log file.
func errOut() io.Writer {
	if logs != nil {
		return logs.Writer()
	}
	return os.Stderr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(errOut(), "Error: %v\n", err)
		os.Exit(1)
	}
}
