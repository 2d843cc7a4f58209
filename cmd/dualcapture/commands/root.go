package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/DualCapture/internal/config"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dualcapture",
		Short: "DualCapture - Coordinated color and mono camera capture",
		Long: `DualCapture opens a color and a monochrome capture device side by side,
previews both, and records them together.

Features:
  • Open, preview, and close both devices in near-lockstep
  • Toggle recording on both devices with one call
  • Color preview on an X11 window or headless
  • Mono preview as an MJPEG stream
  • Catalogue of saved recordings (memory or Redis)
  • REST API and websocket event stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// One-shot commands keep stdout for their own output
			logger.InitWriter(os.Stderr, string(logger.WarnLevel))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dualcapture/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file and applies --port and --log-level for
// this run only.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := viper.GetString("log_level")
	if logLevel != "" && !logger.ValidLevel(logLevel) {
		return nil, fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", logLevel)
	}
	configMgr.ApplyOverrides(viper.GetInt("server_port"), logLevel)
	return configMgr, nil
}
