package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ms-settlement/internal/notify"
)

func (a *app) qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Inspect check-in codes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode <text>",
		Short: "Decrypt the text of a scanned check-in code",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return decodeCheckIn(os.Stdout, a.cfg.Notify.QRSecret, args[0])
		},
	})
	return cmd
}

func decodeCheckIn(w io.Writer, secret, text string) error {
	if secret == "" {
		return errors.New("QR_SECRET is not set")
	}
	checkIn, err := notify.NewQRGenerator(secret).Decode(text)
	if err != nil {
		return fmt.Errorf("decode check-in: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(checkIn)
}
