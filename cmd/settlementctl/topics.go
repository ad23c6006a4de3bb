package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"ms-settlement/internal/kafka"
	"ms-settlement/internal/models"
	"ms-settlement/internal/outbox"
)

func (a *app) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the settlement task topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the task topics if they are missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := a.cfg.Kafka.Topics
			return kafka.EnsureTopicsExist(cmd.Context(), a.cfg.Kafka.Brokers,
				[]string{t.BookingConfirmed, t.BookingRefunded, t.Reconciliation}, a.log)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the topics known to the brokers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topics, err := kafka.ListTopics(cmd.Context(), a.cfg.Kafka.Brokers)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Println(t)
			}
			return nil
		},
	})
	return cmd
}

func (a *app) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Follow and repair settlement tasks",
	}

	var topic, group string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print tasks from a topic as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			consumer := kafka.NewConsumer(a.cfg.Kafka.Brokers, topic, group, a.log)
			defer consumer.Close()

			enc := json.NewEncoder(os.Stdout)
			return consumer.Start(ctx, func(task models.SettlementTask) {
				task.QRCode = nil
				_ = enc.Encode(task)
			})
		},
	}
	tail.Flags().StringVar(&topic, "topic", a.cfg.Kafka.Topics.Reconciliation, "Topic to follow")
	tail.Flags().StringVar(&group, "group", "settlementctl", "Consumer group")

	var limit int
	list := &cobra.Command{
		Use:   "list <pending|sent|dead>",
		Short: "List outbox rows in one state, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseOutboxStatus(args[0])
			if err != nil {
				return err
			}
			return a.withOutbox(cmd, func(store *outbox.Store) error {
				rows, err := store.List(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				renderOutbox(os.Stdout, rows)
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")

	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Put every dead task back in line for delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOutbox(cmd, func(store *outbox.Store) error {
				n, err := store.Requeue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("%d task(s) requeued\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(tail, list, requeue)
	return cmd
}

func (a *app) withOutbox(cmd *cobra.Command, fn func(*outbox.Store) error) error {
	db, err := a.openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(outbox.New(db, a.log))
}

func parseOutboxStatus(s string) (models.OutboxStatus, error) {
	switch status := models.OutboxStatus(s); status {
	case models.OutboxPending, models.OutboxSent, models.OutboxDead:
		return status, nil
	default:
		return "", fmt.Errorf("unknown task state %q", s)
	}
}

func renderOutbox(w io.Writer, rows []models.OutboxMessage) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Session", "Status", "Attempts", "Next attempt", "Last error"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.TaskType, r.SessionID, r.Status, r.Attempts,
			r.NextAttemptAt.Format("2006-01-02 15:04:05"), r.LastError})
	}
	tw.Render()
}
