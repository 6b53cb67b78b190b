package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"offline0/internal/offline0"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the offline0 CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offline0",
		Short: "Offline-first caching and background sync in front of a web app",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", getenvDefault("OFFLINE0_CONFIG", "./offline0.yaml"), "path to offline0.yaml")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (offline0.Config, error) {
	cfg, err := offline0.LoadConfig(o.ConfigPath)
	if err != nil {
		return offline0.Config{}, fmt.Errorf("load config %s: %w", o.ConfigPath, err)
	}
	return cfg, nil
}

// newLogger builds a production logger, or a development one at debug level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
