// Package dispatch runs the worker handlers in-process for events that no
// process engine picks up.
package dispatch

import (
	"context"

	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/events"
	pdf "onboarding-crm/internal/workers/application/generate-application-pdf"
	notification "onboarding-crm/internal/workers/application/send-notification"
)

type Notifier interface {
	Execute(ctx context.Context, input *notification.Input) (*notification.Output, error)
}

type PDFGenerator interface {
	Execute(ctx context.Context, input *pdf.Input) (*pdf.Output, error)
}

type Option func(*LocalDispatcher)

// SkipApplicationEvents leaves application events to the process engine and
// handles only events that carry no application, such as signature requests.
func SkipApplicationEvents() Option {
	return func(d *LocalDispatcher) { d.skipApplications = true }
}

type LocalDispatcher struct {
	notifier         Notifier
	pdf              PDFGenerator
	skipApplications bool
	logger           logger.Logger
}

// NewLocalDispatcher accepts a nil pdf generator when no renderer is configured.
func NewLocalDispatcher(notifier Notifier, pdf PDFGenerator, log logger.Logger, opts ...Option) *LocalDispatcher {
	d := &LocalDispatcher{
		notifier: notifier,
		pdf:      pdf,
		logger:   log.WithFields(map[string]interface{}{"component": "local-dispatcher"}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *LocalDispatcher) Name() string { return "local" }

// Handle runs the notification and PDF handlers the event calls for.
func (d *LocalDispatcher) Handle(ctx context.Context, ev events.Event) error {
	if d.skipApplications && ev.Application != nil {
		return nil
	}

	if nt := ev.NotificationType(); nt != "" && d.notifier != nil {
		input := &notification.Input{
			NotificationType: nt,
			Environment:      ev.Environment,
			ProspectID:       ev.ProspectID,
			Metadata:         ev.Metadata,
		}
		if app := ev.Application; app != nil {
			input.ApplicationID = app.ID
			input.Status = string(app.Status)
			if app.RejectionReason != nil {
				input.RejectionReason = *app.RejectionReason
			}
		}
		out, err := d.notifier.Execute(ctx, input)
		if err != nil {
			return err
		}
		d.logger.Debug("notification dispatched", map[string]interface{}{
			"notificationId": out.NotificationID,
			"status":         out.Status,
		})
	}

	if ev.Type == events.ApplicationApproved && d.pdf != nil {
		if _, err := d.pdf.Execute(ctx, &pdf.Input{
			ApplicationID: ev.ApplicationID(),
			Environment:   ev.Environment,
		}); err != nil {
			return err
		}
	}
	return nil
}
