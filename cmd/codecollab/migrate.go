package main

import (
	"errors"
	"fmt"

	gomigrate "github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/choonkeat/codecollab/internal/config"
	"github.com/choonkeat/codecollab/internal/database/migrate"
	"github.com/choonkeat/codecollab/internal/document/postgres"
	"github.com/choonkeat/codecollab/internal/logging"
)

var errNotPostgres = errors.New("migrate: store.driver must be postgres")

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or inspect document store migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverPostgres {
				return errNotPostgres
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := postgres.Open(cmd.Context(), cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			switch action {
			case "down":
				return migrate.Down(db)
			case "version":
				version, dirty, err := migrate.Version(db)
				if errors.Is(err, gomigrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			default:
				return migrate.Run(db, logger)
			}
		},
	}
}
