package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lanternops/gamepatch/internal/config"
	"github.com/lanternops/gamepatch/internal/httputil"
	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("main")

var (
	version    = "0.1.0"
	cfgFile    string
	serverURL  string
	installDir string
	logTee     bool
)

var rootCmd = &cobra.Command{
	Use:   "gamepatch",
	Short: "Incremental game patcher",
	Long: `gamepatch brings a game installation up to the version published by a
patch server, applying each intermediate version's binary deltas in order.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gamepatch v%s\n", version)
	},
}

func init() {
	httputil.UserAgent = "gamepatch/" + version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir, then ./gamepatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "patch server URL (http, https, s3, gs, azblob or b2)")
	rootCmd.PersistentFlags().StringVar(&installDir, "install-dir", "", "game installation directory")
	rootCmd.PersistentFlags().BoolVar(&logTee, "log-stderr", false, "also log to stderr when log_file is set")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads, overrides and validates the configuration, then
// configures logging. The returned closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	result := cfg.Validate()
	closer, err := logging.Setup(logging.Options{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Tee:        logTee,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, w := range result.Warnings {
		log.Warn("config adjusted", logging.KeyError, w)
	}
	if result.HasFatals() {
		closer.Close()
		return nil, nil, fmt.Errorf("invalid config: %w", result.Fatals[0])
	}
	return cfg, closer, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if installDir != "" {
		cfg.InstallDir = installDir
	}
}
