package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"ms-settlement/internal/capacity"
	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
)

func (a *app) capacityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Provision and inspect remaining places",
	}

	var backend string
	cmd.PersistentFlags().StringVar(&backend, "backend", a.cfg.Settlement.CapacityBackend, "Capacity backend (sql or redis)")

	var title, date string
	var inactive bool
	set := &cobra.Command{
		Use:   "set <kind> <event-id> <remaining>",
		Short: "Create or overwrite the capacity of an event",
		Long:  "Create or overwrite the capacity of an event.\n\nKinds: " + kindNames() + ".",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := parseCapacityArgs(args)
			if err != nil {
				return err
			}
			record.Title, record.Date, record.Active = title, date, !inactive

			return a.withCapacity(cmd.Context(), backend, func(admin capacity.Admin) error {
				if err := admin.Provision(cmd.Context(), record); err != nil {
					return err
				}
				fmt.Printf("%s/%s: %d places\n", record.Kind, record.EventID, record.Remaining)
				return nil
			})
		},
	}
	set.Flags().StringVar(&title, "title", "", "Event title")
	set.Flags().StringVar(&date, "date", "", "Event date")
	set.Flags().BoolVar(&inactive, "inactive", false, "Close the event to new bookings")

	get := &cobra.Command{
		Use:   "get <kind> <event-id>",
		Short: "Show the capacity of one event",
		Long:  "Show the capacity of one event.\n\nKinds: " + kindNames() + ".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withCapacity(cmd.Context(), backend, func(admin capacity.Admin) error {
				record, err := admin.Get(cmd.Context(), kind, args[1])
				if err != nil {
					return err
				}
				renderCapacities(os.Stdout, []models.EventCapacity{*record})
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every provisioned event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCapacity(cmd.Context(), backend, func(admin capacity.Admin) error {
				records, err := admin.List(cmd.Context())
				if err != nil {
					return err
				}
				renderCapacities(os.Stdout, records)
				return nil
			})
		},
	}

	cmd.AddCommand(set, get, list)
	return cmd
}

func (a *app) withCapacity(ctx context.Context, backend string, fn func(capacity.Admin) error) error {
	switch backend {
	case "redis":
		client, err := database.ConnectRedis(ctx, a.cfg.Redis, a.log)
		if err != nil {
			return err
		}
		defer client.Close()
		return fn(capacity.NewRedisStore(client, a.log))
	case "sql", "":
		db, err := a.openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(capacity.NewSQLStore(db, a.log))
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
}

func kindNames() string {
	names := make([]string, 0, 4)
	for _, k := range models.BookingKinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func parseKind(s string) (models.BookingKind, error) {
	kind, err := models.ParseBookingKind(s)
	if err != nil {
		return "", fmt.Errorf("%w (expected one of: %s)", err, kindNames())
	}
	return kind, nil
}

func parseCapacityArgs(args []string) (models.EventCapacity, error) {
	kind, err := parseKind(args[0])
	if err != nil {
		return models.EventCapacity{}, err
	}
	if args[1] == "" {
		return models.EventCapacity{}, fmt.Errorf("event id is required")
	}
	remaining, err := strconv.Atoi(args[2])
	if err != nil || remaining < 0 {
		return models.EventCapacity{}, fmt.Errorf("remaining must be a non-negative integer, got %q", args[2])
	}
	return models.EventCapacity{Kind: kind, EventID: args[1], Remaining: remaining}, nil
}

func renderCapacities(w io.Writer, records []models.EventCapacity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Kind", "Event", "Title", "Date", "Remaining", "Active", "Updated"})
	for _, r := range records {
		updated := ""
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Format("2006-01-02 15:04")
		}
		tw.AppendRow(table.Row{r.Kind, r.EventID, r.Title, r.Date, r.Remaining, r.Active, updated})
	}
	tw.Render()
}
