package sendnotification

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsclients "onboarding-crm/internal/common/aws"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/models"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	sentTo        []string
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.sentTo = append(m.sentTo, params.Destination.ToAddresses...)
	if m.SendEmailFunc == nil {
		return &ses.SendEmailOutput{}, nil
	}
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	sentTo      []string
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.sentTo = append(m.sentTo, *params.PhoneNumber)
	if m.PublishFunc == nil {
		return &sns.PublishOutput{}, nil
	}
	return m.PublishFunc(ctx, params, optFns...)
}

type singleConn struct {
	db *sql.DB
}

func (c singleConn) Conn(_ context.Context, env environment.Environment) (*sql.DB, error) {
	if env != environment.Test {
		return nil, apperrors.NewConnectionUnavailableError(string(env), errors.New("not configured"))
	}
	return c.db, nil
}

// ==========================
// Test Helper Functions
// ==========================

const contactQuery = `SELECT p.name, p.email, p.phone, a.name, a.email, a.phone`

func createTestConfig() *Config {
	return &Config{
		EmailEnabled: true,
		SMSEnabled:   true,
		FromEmail:    "noreply@onboarding.test",
		OpsEmail:     "ops@onboarding.test",
		Timeout:      30 * time.Second,
	}
}

func createTestInput(notificationType string) *Input {
	return &Input{
		NotificationType: notificationType,
		Environment:      "test",
		ApplicationID:    "app-001",
		ProspectID:       "prospect-001",
	}
}

func newTestHandler(t *testing.T, cfg *Config) (*Handler, sqlmock.Sqlmock, *MockSESService, *MockSNSService) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sesMock := &MockSESService{}
	snsMock := &MockSNSService{}
	h := NewHandler(cfg, singleConn{db: db}, &awsclients.Clients{SES: sesMock, SNS: snsMock}, logger.NewTestLogger(t))
	return h, mock, sesMock, snsMock
}

func expectContacts(mock sqlmock.Sqlmock, prospectPhone string, withAgent bool) {
	rows := sqlmock.NewRows([]string{"name", "email", "phone", "name", "email", "phone"})
	if withAgent {
		rows.AddRow("Corner Bakery", "owner@bakery.test", prospectPhone, "Alice Agent", "alice@crm.test", "+15550001")
	} else {
		rows.AddRow("Corner Bakery", "owner@bakery.test", prospectPhone, nil, nil, nil)
	}
	mock.ExpectQuery(contactQuery).WithArgs("prospect-001").WillReturnRows(rows)
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Recipients(t *testing.T) {
	tests := []struct {
		name       string
		input      *Input
		phone      string
		wantEmails []string
		wantSMS    []string
	}{
		{
			name:       "submitted goes to agent and ops",
			input:      createTestInput(models.NotificationApplicationSubmitted),
			phone:      "+15559999",
			wantEmails: []string{"alice@crm.test", "ops@onboarding.test"},
		},
		{
			name:       "approved goes to prospect with SMS and agent",
			input:      createTestInput(models.NotificationApplicationApproved),
			phone:      "+15559999",
			wantEmails: []string{"owner@bakery.test", "alice@crm.test"},
			wantSMS:    []string{"+15559999"},
		},
		{
			name:       "rejected without phone skips SMS",
			input:      createTestInput(models.NotificationApplicationRejected),
			phone:      "",
			wantEmails: []string{"owner@bakery.test", "alice@crm.test"},
		},
		{
			name: "signature request goes to the owner",
			input: &Input{
				NotificationType: models.NotificationSignatureRequested,
				Environment:      "test",
				ProspectID:       "prospect-001",
				Metadata: map[string]interface{}{
					"ownerName":    "Jane Roe",
					"ownerEmail":   "jane@bakery.test",
					"signatureUrl": "https://sign.test/abc",
				},
			},
			wantEmails: []string{"jane@bakery.test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mock, sesMock, snsMock := newTestHandler(t, createTestConfig())
			expectContacts(mock, tt.phone, true)

			out, err := h.Execute(context.Background(), tt.input)
			require.NoError(t, err)

			assert.Equal(t, StatusSent, out.Status)
			assert.NotEmpty(t, out.NotificationID)
			assert.NotEmpty(t, out.SentAt)
			assert.Equal(t, tt.wantEmails, sesMock.sentTo)
			if tt.wantSMS == nil {
				assert.Empty(t, snsMock.sentTo)
			} else {
				assert.Equal(t, tt.wantSMS, snsMock.sentTo)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestHandler_Execute_RendersTemplates(t *testing.T) {
	h, mock, sesMock, _ := newTestHandler(t, createTestConfig())
	expectContacts(mock, "", true)

	var subject, body string
	sesMock.SendEmailFunc = func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		subject = *params.Message.Subject.Data
		body = *params.Message.Body.Text.Data
		assert.Equal(t, "noreply@onboarding.test", *params.Source)
		return &ses.SendEmailOutput{}, nil
	}

	input := createTestInput(models.NotificationApplicationRejected)
	input.RejectionReason = "incomplete KYC"
	_, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, "Update on your merchant application", subject)
	assert.Contains(t, body, "Corner Bakery")
	assert.Contains(t, body, "incomplete KYC")
	assert.NotContains(t, body, "{{")
}

func TestHandler_Execute_EmailFailure(t *testing.T) {
	h, mock, sesMock, _ := newTestHandler(t, createTestConfig())
	expectContacts(mock, "", true)
	sesMock.SendEmailFunc = func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		return nil, errors.New("SES throttled")
	}

	out, err := h.Execute(context.Background(), createTestInput(models.NotificationApplicationSubmitted))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	for _, d := range out.Deliveries {
		assert.Equal(t, StatusFailed, d.Status)
	}
}

func TestHandler_Execute_SMSFailure(t *testing.T) {
	h, mock, _, snsMock := newTestHandler(t, createTestConfig())
	expectContacts(mock, "+15559999", true)
	snsMock.PublishFunc = func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, errors.New("invalid number")
	}

	out, err := h.Execute(context.Background(), createTestInput(models.NotificationApplicationApproved))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Deliveries, Delivery{RecipientType: RecipientProspect, Channel: ChannelSMS, Status: StatusFailed})
	assert.Contains(t, out.Deliveries, Delivery{RecipientType: RecipientProspect, Channel: ChannelEmail, Status: StatusSent})
}

func TestHandler_Execute_ChannelsDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.EmailEnabled = false
	cfg.SMSEnabled = false
	h, mock, sesMock, snsMock := newTestHandler(t, cfg)
	expectContacts(mock, "+15559999", true)

	out, err := h.Execute(context.Background(), createTestInput(models.NotificationApplicationApproved))

	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, out.Status)
	assert.Empty(t, sesMock.sentTo)
	assert.Empty(t, snsMock.sentTo)
	assert.Len(t, out.Deliveries, 3)
}

func TestHandler_Execute_UnassignedProspect(t *testing.T) {
	h, mock, sesMock, _ := newTestHandler(t, createTestConfig())
	expectContacts(mock, "", false)

	out, err := h.Execute(context.Background(), createTestInput(models.NotificationApplicationSubmitted))

	require.NoError(t, err)
	assert.Equal(t, []string{"ops@onboarding.test"}, sesMock.sentTo)
	assert.Len(t, out.Deliveries, 1)
}

// ==========================
// Error Cases
// ==========================

func TestHandler_Execute_UnknownType(t *testing.T) {
	h, _, _, _ := newTestHandler(t, createTestConfig())

	_, err := h.Execute(context.Background(), createTestInput("welcome_pack"))

	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeBadRequest, stdErr.Code)
}

func TestHandler_Execute_ProspectNotFound(t *testing.T) {
	h, mock, _, _ := newTestHandler(t, createTestConfig())
	mock.ExpectQuery(contactQuery).WithArgs("prospect-001").WillReturnError(sql.ErrNoRows)

	_, err := h.Execute(context.Background(), createTestInput(models.NotificationApplicationApproved))

	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeNotFound, stdErr.Code)
}

func TestHandler_Execute_InvalidEnvironment(t *testing.T) {
	h, _, _, _ := newTestHandler(t, createTestConfig())
	input := createTestInput(models.NotificationApplicationApproved)
	input.Environment = "staging"

	_, err := h.Execute(context.Background(), input)

	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeInvalidEnvironment, stdErr.Code)
}

// ==========================
// Helpers
// ==========================

func TestRenderTemplate(t *testing.T) {
	data := map[string]interface{}{"name": "Jane", "count": 3, "empty": nil}

	assert.Equal(t, "Hi Jane, 3 items", renderTemplate("Hi {{name}}, {{count}} items", data))
	assert.Equal(t, "x  y", renderTemplate("x {{empty}} y", data))
	assert.Equal(t, "dropped: ", renderTemplate("dropped: {{unknown}}", data))
	assert.Equal(t, "open {{brace", renderTemplate("open {{brace", data))
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, StatusDisabled, overallStatus(nil))
	assert.Equal(t, StatusSent, overallStatus([]Delivery{{Status: StatusDisabled}, {Status: StatusSent}}))
	assert.Equal(t, StatusFailed, overallStatus([]Delivery{{Status: StatusSent}, {Status: StatusFailed}}))
}
