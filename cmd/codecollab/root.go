package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/choonkeat/codecollab/internal/config"
)

// app carries what every subcommand needs from the root flags.
type app struct {
	v          *viper.Viper
	configFile string
}

func (a *app) load() (*config.Config, error) {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	a := &app{v: v}

	root := &cobra.Command{
		Use:          "codecollab",
		Short:        "Collaborative code rooms with a shared terminal",
		Long:         `WebSocket room server. Commands: serve (default), migrate.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "path to a config file (default ./codecollab.yaml)")
	flags.String("addr", ":5000", "listen address")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlag("addr", flags.Lookup("addr"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(newServeCmd(a), newMigrateCmd(a))
	return root
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the room server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}
