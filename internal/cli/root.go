// Package cli implements the deskgate command line.
package cli

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/deskgate/deskgate/pkg/gateway/config"
	"github.com/deskgate/deskgate/pkg/gateway/observability"
)

// Version is set at build time.
var Version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigFile string
	LogLevel   string
}

func (g *globalFlags) addTo(fs *pflag.FlagSet) {
	fs.StringVarP(&g.ConfigFile, "config", "c", "", "config file (default ./deskgate.yaml if present)")
	fs.StringVar(&g.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

// load reads the configuration and builds the logger it describes.
func (g *globalFlags) load() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, logr.Discard(), err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	log, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, logr.Discard(), err
	}
	return cfg, log, nil
}

// NewRootCmd creates the root deskgate command
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "deskgate",
		Short: "Desktop session and action gateway",
		Long: `deskgate provisions remote desktops, exposes a uniform action API for them
and drives computer-use models against them.

Available subcommands:
  serve       Run the HTTP gateway
  agent run   Run a model against a fresh desktop until the task is done
  config init Write a default configuration file

Examples:
  deskgate serve --config deskgate.yaml
  deskgate serve --local
  deskgate agent run --local --task "Open the terminal and list the home directory"
  deskgate config init deskgate.yaml`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.addTo(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(flags))
	cmd.AddCommand(NewAgentCmd(flags))
	cmd.AddCommand(NewConfigCmd())

	return cmd
}
