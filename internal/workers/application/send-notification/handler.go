package sendnotification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"

	awsclients "onboarding-crm/internal/common/aws"
	"onboarding-crm/internal/common/database"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/metrics"
	"onboarding-crm/internal/models"
)

const (
	TaskType = "send-notification"
)

var (
	ErrUnknownNotification = errors.New("UNKNOWN_NOTIFICATION_TYPE")
)

type contact struct {
	recipientType string
	name          string
	email         string
	phone         string
}

type Handler struct {
	config    *Config
	conns     database.ConnProvider
	logger    logger.Logger
	sesClient awsclients.EmailAPI
	snsClient awsclients.SMSAPI
	templates map[string]models.NotificationTemplate
}

// NewHandler builds the handler. A nil client disables its channel.
func NewHandler(config *Config, conns database.ConnProvider, clients *awsclients.Clients, log logger.Logger) *Handler {
	h := &Handler{
		config:    config,
		conns:     conns,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
		templates: defaultTemplates(),
	}
	if clients != nil {
		h.sesClient = clients.SES
		h.snsClient = clients.SNS
	}
	return h
}

// Handle processes the Zeebe job.
func (h *Handler) Handle(ctx context.Context, client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return apperrors.NewBadRequestError(fmt.Sprintf("parse input: %v", err))
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		return err
	}

	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if _, err := cmd.Send(ctx); err != nil {
		return apperrors.NewUpstreamFailedError("zeebe", err)
	}
	return nil
}

// Execute sends the notification on every enabled channel. Delivery failures
// are reported in the output, never as an error.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	tmpl, ok := h.templates[input.NotificationType]
	if !ok {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("%v: %q", ErrUnknownNotification, input.NotificationType))
	}

	data := map[string]interface{}{
		"notificationType": input.NotificationType,
		"applicationId":    input.ApplicationID,
		"prospectId":       input.ProspectID,
		"status":           input.Status,
		"rejectionReason":  input.RejectionReason,
	}
	for k, v := range input.Metadata {
		data[k] = v
	}
	if input.RejectionReason == "" {
		data["rejectionReason"] = "not provided"
	}

	recipients, err := h.recipients(ctx, input, data)
	if err != nil {
		return nil, err
	}

	out := &Output{
		NotificationID: uuid.New().String(),
		SentAt:         time.Now().UTC().Format(time.RFC3339),
		Deliveries:     []Delivery{},
	}
	subject := renderTemplate(tmpl.Subject, data)
	body := renderTemplate(tmpl.Body, data)

	for _, rc := range recipients {
		if rc.email != "" {
			out.Deliveries = append(out.Deliveries, h.deliverEmail(ctx, input.NotificationType, rc, subject, body))
		}
		if tmpl.SMSBody != "" && rc.phone != "" && rc.recipientType == RecipientProspect {
			out.Deliveries = append(out.Deliveries, h.deliverSMS(ctx, input.NotificationType, rc, renderTemplate(tmpl.SMSBody, data)))
		}
	}

	out.Status = overallStatus(out.Deliveries)
	h.logger.Info("notification processed", map[string]interface{}{
		"notificationId": out.NotificationID,
		"type":           input.NotificationType,
		"environment":    input.Environment,
		"status":         out.Status,
		"deliveries":     len(out.Deliveries),
	})
	return out, nil
}

func (h *Handler) deliverEmail(ctx context.Context, typ string, rc contact, subject, body string) Delivery {
	d := Delivery{RecipientType: rc.recipientType, Channel: ChannelEmail, Status: StatusDisabled}
	if h.config.EmailEnabled && h.sesClient != nil {
		if err := h.sendEmail(ctx, rc.email, subject, body); err != nil {
			h.logger.Error("email send failed", map[string]interface{}{
				"error":         err,
				"recipientType": rc.recipientType,
			})
			d.Status = StatusFailed
		} else {
			d.Status = StatusSent
		}
	}
	metrics.NotificationsSent.WithLabelValues(typ, d.Channel, d.Status).Inc()
	return d
}

func (h *Handler) deliverSMS(ctx context.Context, typ string, rc contact, message string) Delivery {
	d := Delivery{RecipientType: rc.recipientType, Channel: ChannelSMS, Status: StatusDisabled}
	if h.config.SMSEnabled && h.snsClient != nil {
		if err := h.sendSMS(ctx, rc.phone, message); err != nil {
			h.logger.Error("SMS send failed", map[string]interface{}{
				"error":         err,
				"recipientType": rc.recipientType,
			})
			d.Status = StatusFailed
		} else {
			d.Status = StatusSent
		}
	}
	metrics.NotificationsSent.WithLabelValues(typ, d.Channel, d.Status).Inc()
	return d
}

// recipients resolves who hears about the notification and fills names into
// data for the templates.
func (h *Handler) recipients(ctx context.Context, input *Input, data map[string]interface{}) ([]contact, error) {
	prospect, agent, err := h.lookupContacts(ctx, input)
	if err != nil {
		return nil, err
	}
	data["prospectName"] = prospect.name
	data["agentName"] = agent.name

	var out []contact
	switch input.NotificationType {
	case models.NotificationApplicationSubmitted:
		out = append(out, agent)
		if h.config.OpsEmail != "" {
			out = append(out, contact{recipientType: RecipientOps, name: "Operations", email: h.config.OpsEmail})
		}
	case models.NotificationApplicationApproved, models.NotificationApplicationRejected:
		out = append(out, prospect, agent)
	case models.NotificationSignatureRequested:
		owner := contact{
			recipientType: RecipientOwner,
			name:          metadataString(input.Metadata, "ownerName"),
			email:         metadataString(input.Metadata, "ownerEmail"),
		}
		data["ownerName"] = owner.name
		out = append(out, owner)
	}
	return out, nil
}

func (h *Handler) lookupContacts(ctx context.Context, input *Input) (contact, contact, error) {
	prospect := contact{recipientType: RecipientProspect}
	agent := contact{recipientType: RecipientAgent}

	env, err := environment.Parse(input.Environment)
	if err != nil {
		return prospect, agent, err
	}
	db, err := h.conns.Conn(ctx, env)
	if err != nil {
		return prospect, agent, err
	}

	var agentName, agentEmail, agentPhone sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT p.name, p.email, p.phone, a.name, a.email, a.phone
		FROM prospects p
		LEFT JOIN agents a ON a.id = p.agent_id
		WHERE p.id = $1`, input.ProspectID,
	).Scan(&prospect.name, &prospect.email, &prospect.phone, &agentName, &agentEmail, &agentPhone)
	if errors.Is(err, sql.ErrNoRows) {
		return prospect, agent, apperrors.NewNotFoundError("prospect", input.ProspectID)
	}
	if err != nil {
		return prospect, agent, apperrors.NewConnectionUnavailableError(string(env), err)
	}
	agent.name, agent.email, agent.phone = agentName.String, agentEmail.String, agentPhone.String
	return prospect, agent, nil
}

func (h *Handler) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := h.sesClient.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(h.config.FromEmail),
	})
	return err
}

func (h *Handler) sendSMS(ctx context.Context, to, message string) error {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	}
	if h.config.SMSSenderID != "" {
		input.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {DataType: aws.String("String"), StringValue: aws.String(h.config.SMSSenderID)},
		}
	}
	_, err := h.snsClient.Publish(ctx, input)
	return err
}

func overallStatus(deliveries []Delivery) string {
	status := StatusDisabled
	for _, d := range deliveries {
		switch d.Status {
		case StatusFailed:
			return StatusFailed
		case StatusSent:
			status = StatusSent
		}
	}
	return status
}

func metadataString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// renderTemplate fills {{key}} placeholders and drops unknown ones.
func renderTemplate(tmpl string, data map[string]interface{}) string {
	result := tmpl
	for k, v := range data {
		value := ""
		if v != nil {
			value = fmt.Sprintf("%v", v)
		}
		result = strings.ReplaceAll(result, "{{"+k+"}}", value)
	}

	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+end+2:]
	}
	return result
}
