// internal/models/prospect.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Prospect struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Email           string                 `json:"email"`
	Phone           string                 `json:"phone,omitempty"`
	FormData        map[string]interface{} `json:"formData,omitempty"`
	AgentID         *string                `json:"agentId"`
	ValidationToken string                 `json:"-"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

type Agent struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
}

// ProspectOwner is a beneficial owner of the prospect's business, unique per
// prospect and lower-cased email.
type ProspectOwner struct {
	ID                  string          `json:"id"`
	ProspectID          string          `json:"prospectId"`
	Name                string          `json:"name"`
	Email               string          `json:"email"`
	OwnershipPercentage decimal.Decimal `json:"ownershipPercentage"`
	SignatureToken      *string         `json:"-"`
	CreatedAt           time.Time       `json:"createdAt"`
}

type SignatureType string

const (
	SignatureDrawn SignatureType = "drawn"
	SignatureTyped SignatureType = "typed"
)

func (t SignatureType) Valid() bool {
	return t == SignatureDrawn || t == SignatureTyped
}

// ProspectSignature rows are immutable; signing again adds a row.
type ProspectSignature struct {
	ID             string        `json:"id"`
	ProspectID     string        `json:"prospectId"`
	OwnerID        string        `json:"ownerId"`
	Signature      string        `json:"signature"`
	SignatureType  SignatureType `json:"signatureType"`
	SignatureToken string        `json:"-"`
	SubmittedAt    time.Time     `json:"submittedAt"`
}
