package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/slimchat/internal/config"
	"github.com/vovakirdan/slimchat/internal/log"
)

// rootOptions are flags shared by every subcommand.
type rootOptions struct {
	configPath string
	overrides  config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "slimchat",
		Short:         "Long-poll chat server and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default ./config.yaml)")
	flags.StringVar(&opts.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.overrides.LogFormat, "log-format", "", "log format (console or json)")
	flags.StringVar(&opts.overrides.Store.Driver, "store-driver", "", "store backend (sqlite or badger)")
	flags.StringVar(&opts.overrides.Store.Path, "store-path", "", "sqlite file or badger directory")

	root.AddCommand(
		newServeCmd(opts),
		newUserCmd(opts),
		newRoomCmd(opts),
		newListenCmd(opts),
		newSendCmd(opts),
	)
	return root
}

// load resolves configuration and builds the logger it asks for.
func (o *rootOptions) load() (config.Config, *zerolog.Logger, error) {
	bootLogger := log.New("info", "console")

	cfg, path, err := config.Load(bootLogger, o.configPath)
	if err != nil {
		return cfg, bootLogger, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.UpdateFrom(o.overrides)
	if err := cfg.Validate(); err != nil {
		return cfg, bootLogger, err
	}

	return cfg, log.New(cfg.LogLevel, cfg.LogFormat), nil
}
