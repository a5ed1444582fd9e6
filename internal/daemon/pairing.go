package daemon

import (
	"context"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/wa"
)

// runQRPairing drives the QR auth flow, rendering codes to the terminal
// until the account is linked or pairing fails.
func runQRPairing(adapter *wa.Adapter, logger *zap.Logger) {
	events, err := adapter.StartQRAuth(context.Background())
	if err != nil {
		logger.Error("failed to start QR pairing", zap.Error(err))
		return
	}

	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			fmt.Println("\nScan this QR code with WhatsApp (Linked Devices):")
			fmt.Println(renderQR(evt.QRCode))
		case wa.AuthEventAuthenticated:
			fmt.Println("Linked successfully.")
			logger.Info("account paired")
		case wa.AuthEventTimeout:
			fmt.Println("QR code expired. Restart the daemon to pair again.")
			logger.Warn("QR pairing timed out")
		case wa.AuthEventAuthFailed:
			fmt.Printf("Pairing failed: %s\n", evt.Message)
			logger.Error("QR pairing failed", zap.String("reason", evt.Message))
		}
	}
}

func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}
	return qr.ToSmallString(false)
}
