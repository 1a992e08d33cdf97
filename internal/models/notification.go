// internal/models/notification.go
package models

const (
	NotificationApplicationSubmitted = "application_submitted"
	NotificationApplicationApproved  = "application_approved"
	NotificationApplicationRejected  = "application_rejected"
	NotificationSignatureRequested   = "signature_requested"
)

type Notification struct {
	ID            string                 `json:"id"`
	RecipientType string                 `json:"recipientType"` // "agent", "owner" or "ops"
	Type          string                 `json:"type"`
	Channel       string                 `json:"channel"` // "email", "sms"
	Status        string                 `json:"status"`  // "sent", "failed", "disabled"
	Payload       map[string]interface{} `json:"payload"`
	SentAt        string                 `json:"sentAt"`
}

type NotificationTemplate struct {
	Type     string `json:"type"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	SMSBody  string `json:"smsBody,omitempty"`
	HTMLBody string `json:"htmlBody,omitempty"`
}
