package events

import (
	"time"

	"onboarding-crm/internal/models"
)

type Type string

const (
	ApplicationCreated   Type = "application.created"
	ApplicationStarted   Type = "application.started"
	ApplicationSubmitted Type = "application.submitted"
	ApplicationApproved  Type = "application.approved"
	ApplicationRejected  Type = "application.rejected"
	ApplicationUpdated   Type = "application.updated"
	SignatureRequested   Type = "signature.requested"
	SignatureRecorded    Type = "signature.recorded"
)

// Event is a fact about one prospect's onboarding, already committed in the
// named environment.
type Event struct {
	Type        Type                        `json:"type"`
	Environment string                      `json:"environment"`
	ProspectID  string                      `json:"prospectId"`
	Application *models.ProspectApplication `json:"application,omitempty"`
	Actor       string                      `json:"actor,omitempty"`
	Metadata    map[string]interface{}      `json:"metadata,omitempty"`
	OccurredAt  time.Time                   `json:"occurredAt"`
}

// ApplicationID returns the id of the application the event concerns, if any.
func (e Event) ApplicationID() string {
	if e.Application == nil {
		return ""
	}
	return e.Application.ID
}

// NotificationType maps the event to the notification it triggers, or "".
func (e Event) NotificationType() string {
	switch e.Type {
	case ApplicationSubmitted:
		return models.NotificationApplicationSubmitted
	case ApplicationApproved:
		return models.NotificationApplicationApproved
	case ApplicationRejected:
		return models.NotificationApplicationRejected
	case SignatureRequested:
		return models.NotificationSignatureRequested
	}
	return ""
}
