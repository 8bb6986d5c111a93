package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/config"
)

var cfg *config.Config

// Persistent flags. Empty values leave the loaded config alone.
var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "compete-cli",
	Short: "Competitive intelligence analysis pipeline",
	Long:  "Generates search queries, gathers and scrapes sources, and writes an AI competitive analysis report for each competitor, streaming progress and cost as it goes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configFile)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogFlags(&c.Log)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func applyLogFlags(l *config.LogConfig) {
	if logLevel != "" {
		l.Level = logLevel
	}
	if logFormat != "" {
		l.Format = logFormat
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
	f.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "", "override log.format (json or console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
