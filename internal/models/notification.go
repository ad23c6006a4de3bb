package models

// SettlementNotification is a verified "payment completed" notification.
type SettlementNotification struct {
	// NotificationID is the processor's own event id, used for logging only.
	NotificationID string
	Type           string

	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	CustomerDetails Customer
	Metadata        map[string]string
}
