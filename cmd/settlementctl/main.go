// Command settlementctl operates a settlement deployment: schema
// migrations, capacity provisioning, order lookup, the task outbox and
// check-in codes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"ms-settlement/internal/config"
	"ms-settlement/internal/database"
	"ms-settlement/internal/logger"
)

var Version = "dev"

type app struct {
	cfg *config.Config
	log *logger.Logger
}

func main() {
	_ = godotenv.Load()

	a := &app{cfg: config.Load(), log: logger.NewWithWriter(os.Stderr)}
	a.log.SetLevel(logger.ParseLevel(a.cfg.LogLevel))

	if err := a.rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operate the settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(a.migrateCmd())
	root.AddCommand(a.capacityCmd())
	root.AddCommand(a.orderCmd())
	root.AddCommand(a.topicsCmd())
	root.AddCommand(a.tasksCmd())
	root.AddCommand(a.qrCmd())
	return root
}

func (a *app) openDB(ctx context.Context) (*bun.DB, error) {
	cfg := a.cfg.Database
	cfg.ConnectRetries = 1
	return database.Connect(ctx, cfg, a.log)
}
