package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"ms-settlement/internal/ledger"
	"ms-settlement/internal/models"
)

func (a *app) orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect the order ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show the order settled for a checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			order, err := ledger.New(db, a.log).GetBySessionID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderOrder(os.Stdout, order)
			return nil
		},
	})
	return cmd
}

func renderOrder(w io.Writer, o *models.Order) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Order", o.OrderNumber},
		{"Session", o.SessionID},
		{"Payment intent", o.PaymentIntentID},
		{"Status", o.PaymentStatus},
		{"Amount", fmt.Sprintf("%d %s", o.AmountTotal, o.Currency)},
		{"Customer", fmt.Sprintf("%s <%s> %s", o.Customer.Name, o.Customer.Email, o.Customer.Phone)},
		{"Event", fmt.Sprintf("%s/%s", o.Kind, o.EventID)},
		{"Places", o.Places},
		{"Created", o.CreatedAt.Format("2006-01-02 15:04:05")},
	})
	tw.Render()
}
