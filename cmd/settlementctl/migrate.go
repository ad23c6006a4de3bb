package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ms-settlement/internal/database/migrations"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", a.cfg.Database.MigrationsDir, "Migrations directory")

	run := func(apply func(*migrations.Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			runner := migrations.NewRunner(db, dir, a.log)
			defer runner.Close()
			return apply(runner)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE:  run((*migrations.Runner).Up),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE:  run((*migrations.Runner).Down),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: run(func(r *migrations.Runner) error {
			version, dirty, err := r.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty=%t)\n", version, dirty)
			return nil
		}),
	})
	return cmd
}
