package camunda

import (
	"context"
	"time"

	"onboarding-crm/internal/events"
)

// Message is a correlated Zeebe message.
type Message struct {
	Name           string
	CorrelationKey string
	TTL            time.Duration
	Variables      map[string]interface{}
}

// MessagePublisher is satisfied by *Client.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg Message) error
}

// StatusPublisher forwards application status changes to the process engine
// as a message correlated on the application id.
type StatusPublisher struct {
	client      MessagePublisher
	messageName string
	ttl         time.Duration
}

// NewStatusPublisher creates a sink that publishes status changes as Zeebe messages.
func NewStatusPublisher(client MessagePublisher, messageName string, ttl time.Duration) *StatusPublisher {
	return &StatusPublisher{client: client, messageName: messageName, ttl: ttl}
}

func (p *StatusPublisher) Name() string { return "camunda" }

// Handle ignores events that carry no application.
func (p *StatusPublisher) Handle(ctx context.Context, ev events.Event) error {
	if ev.Application == nil {
		return nil
	}
	app := ev.Application

	vars := map[string]interface{}{
		"applicationId": app.ID,
		"prospectId":    app.ProspectID,
		"acquirerId":    app.AcquirerID,
		"templateId":    app.TemplateID,
		"status":        string(app.Status),
		"eventType":     string(ev.Type),
		"environment":   ev.Environment,
		"actor":         ev.Actor,
	}
	if nt := ev.NotificationType(); nt != "" {
		vars["notificationType"] = nt
	}
	if app.RejectionReason != nil {
		vars["rejectionReason"] = *app.RejectionReason
	}

	return p.client.PublishMessage(ctx, Message{
		Name:           p.messageName,
		CorrelationKey: app.ID,
		TTL:            p.ttl,
		Variables:      vars,
	})
}
