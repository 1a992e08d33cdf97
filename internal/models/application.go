// internal/models/application.go
package models

import "time"

type ApplicationStatus string

const (
	StatusDraft      ApplicationStatus = "draft"
	StatusInProgress ApplicationStatus = "in_progress"
	StatusSubmitted  ApplicationStatus = "submitted"
	StatusApproved   ApplicationStatus = "approved"
	StatusRejected   ApplicationStatus = "rejected"
)

func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Editable reports whether application data may still be changed.
func (s ApplicationStatus) Editable() bool {
	return s == StatusDraft || s == StatusInProgress
}

// ProspectApplication is one acquirer application filed for a prospect.
// SubmittedAt is set before ApprovedAt or RejectedAt, and at most one of the
// latter two is ever set.
type ProspectApplication struct {
	ID               string                 `json:"id"`
	ProspectID       string                 `json:"prospectId"`
	AcquirerID       string                 `json:"acquirerId"`
	TemplateID       string                 `json:"templateId"`
	Status           ApplicationStatus      `json:"status"`
	ApplicationData  map[string]interface{} `json:"applicationData"`
	SubmittedAt      *time.Time             `json:"submittedAt"`
	ApprovedAt       *time.Time             `json:"approvedAt"`
	RejectedAt       *time.Time             `json:"rejectedAt"`
	RejectionReason  *string                `json:"rejectionReason"`
	GeneratedPDFPath *string                `json:"generatedPdfPath"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}
