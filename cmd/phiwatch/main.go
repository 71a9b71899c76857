package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/straja-ai/phiwatch/internal/config"
	"github.com/straja-ai/phiwatch/internal/redact"
)

var version = "dev"

var (
	configPath string
	v          = viper.New()

	rootCmd = &cobra.Command{
		Use:           "phiwatch",
		Short:         "Compliance risk evaluation for AI model outputs",
		Long:          `phiwatch scores model input/output pairs for protected health information, keeps rolling compliance metrics and raises alerts when they cross policy thresholds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "phiwatch.yaml", "path to phiwatch config file")
	rootCmd.PersistentFlags().String("storage-driver", "", "storage driver override (sqlite|memory)")
	rootCmd.PersistentFlags().String("storage-path", "", "sqlite database path override")
	_ = v.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage-driver"))
	_ = v.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("storage-path"))

	v.SetEnvPrefix("PHIWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, checkCmd, recomputeCmd, reportCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the phiwatch version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "phiwatch", version)
	},
}

// loadConfig reads the YAML file, then applies flag and PHIWATCH_* environment overrides
// for the deploy-time settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if s := strings.TrimSpace(v.GetString("server.addr")); s != "" {
		cfg.Server.Addr = s
	}
	if s := strings.TrimSpace(v.GetString("storage.driver")); s != "" {
		cfg.Storage.Driver = s
	}
	if s := strings.TrimSpace(v.GetString("storage.path")); s != "" {
		cfg.Storage.Path = s
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		redact.Logf("phiwatch: %v", err)
		os.Exit(1)
	}
}
