package sendnotification

import "onboarding-crm/internal/models"

// Input matches the variables published with application status messages.
type Input struct {
	NotificationType string                 `json:"notificationType"`
	Environment      string                 `json:"environment"`
	ApplicationID    string                 `json:"applicationId,omitempty"`
	ProspectID       string                 `json:"prospectId"`
	Status           string                 `json:"status,omitempty"`
	RejectionReason  string                 `json:"rejectionReason,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

type Delivery struct {
	RecipientType string `json:"recipientType"`
	Channel       string `json:"channel"`
	Status        string `json:"status"`
}

type Output struct {
	NotificationID string     `json:"notificationId"`
	Status         string     `json:"status"` // "sent", "failed", "disabled"
	SentAt         string     `json:"sentAt"` // ISO 8601
	Deliveries     []Delivery `json:"deliveries"`
}

const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

const (
	RecipientAgent    = "agent"
	RecipientProspect = "prospect"
	RecipientOwner    = "owner"
	RecipientOps      = "ops"
)

func defaultTemplates() map[string]models.NotificationTemplate {
	return map[string]models.NotificationTemplate{
		models.NotificationApplicationSubmitted: {
			Type:    models.NotificationApplicationSubmitted,
			Subject: "Application submitted for {{prospectName}}",
			Body:    "Application {{applicationId}} for {{prospectName}} was submitted and is waiting for review.",
		},
		models.NotificationApplicationApproved: {
			Type:    models.NotificationApplicationApproved,
			Subject: "Your merchant application was approved",
			Body:    "Hello {{prospectName}}, application {{applicationId}} has been approved. Your agent {{agentName}} will contact you with next steps.",
			SMSBody: "Good news {{prospectName}}: your merchant application was approved.",
		},
		models.NotificationApplicationRejected: {
			Type:    models.NotificationApplicationRejected,
			Subject: "Update on your merchant application",
			Body:    "Hello {{prospectName}}, application {{applicationId}} was not approved. Reason: {{rejectionReason}}",
			SMSBody: "Your merchant application was not approved. Your agent {{agentName}} will follow up.",
		},
		models.NotificationSignatureRequested: {
			Type:    models.NotificationSignatureRequested,
			Subject: "Signature requested for {{prospectName}}",
			Body:    "Hello {{ownerName}}, please sign the merchant application for {{prospectName}}: {{signatureUrl}}",
		},
	}
}
