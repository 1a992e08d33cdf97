package applications

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"onboarding-crm/internal/models"
)

// RequiredFields are the top-level form keys every submitted application
// must carry.
var RequiredFields = []string{
	"companyName",
	"companyEmail",
	"companyPhone",
	"address",
	"city",
	"state",
	"zipCode",
	"federalTaxId",
	"businessType",
	"yearsInBusiness",
	"businessDescription",
	"productsServices",
	"processingMethod",
	"monthlyVolume",
	"averageTicket",
	"highestTicket",
}

var (
	fullOwnership      = decimal.NewFromInt(100)
	ownershipTolerance = decimal.RequireFromString("0.01")
	signatureThreshold = decimal.NewFromInt(25)
)

// FormOwner is an owner as declared on the application form.
type FormOwner struct {
	Name       string
	Email      string
	Percentage decimal.Decimal
	Invalid    bool
}

type Evaluation struct {
	IsValid           bool     `json:"isValid"`
	Errors            []string `json:"errors"`
	MissingSignatures []string `json:"missingSignatures"`
}

// Evaluate decides whether an application is complete enough to submit. It
// has no side effects. When formOwners is nil the owners are read from
// formData["owners"].
func Evaluate(formData map[string]interface{}, formOwners []FormOwner, storedOwners []models.ProspectOwner, signatures []models.ProspectSignature) Evaluation {
	ev := Evaluation{Errors: []string{}, MissingSignatures: []string{}}

	for _, field := range RequiredFields {
		if isBlank(formData[field]) {
			ev.Errors = append(ev.Errors, fmt.Sprintf("%s is required", field))
		}
	}

	if formOwners == nil {
		formOwners = OwnersFromForm(formData)
	}

	sum := decimal.Zero
	for _, o := range formOwners {
		if o.Invalid {
			ev.Errors = append(ev.Errors, fmt.Sprintf("owner %s has an invalid ownership percentage", ownerLabel(o)))
			continue
		}
		sum = sum.Add(o.Percentage)
	}
	if sum.Sub(fullOwnership).Abs().GreaterThanOrEqual(ownershipTolerance) {
		ev.Errors = append(ev.Errors, fmt.Sprintf("ownership percentages must total 100%% (currently %s%%)", sum.String()))
	}

	signedOwners := make(map[string]bool, len(signatures))
	for _, sig := range signatures {
		signedOwners[sig.OwnerID] = true
	}
	storedByEmail := make(map[string]models.ProspectOwner, len(storedOwners))
	for _, o := range storedOwners {
		storedByEmail[normalizeEmail(o.Email)] = o
	}

	for _, o := range formOwners {
		if o.Invalid || o.Percentage.LessThan(signatureThreshold) {
			continue
		}
		stored, ok := storedByEmail[normalizeEmail(o.Email)]
		if !ok || !signedOwners[stored.ID] {
			ev.MissingSignatures = append(ev.MissingSignatures, ownerLabel(o))
		}
	}
	if len(ev.MissingSignatures) > 0 {
		ev.Errors = append(ev.Errors, fmt.Sprintf(
			"signatures are required from every owner holding 25%% or more: %s",
			strings.Join(ev.MissingSignatures, ", "),
		))
	}

	ev.IsValid = len(ev.Errors) == 0
	return ev
}

// OwnersFromForm reads formData["owners"]. Percentages may be strings or
// numbers under ownerPercentage or ownershipPercentage.
func OwnersFromForm(formData map[string]interface{}) []FormOwner {
	raw, ok := formData["owners"].([]interface{})
	if !ok {
		return []FormOwner{}
	}

	owners := make([]FormOwner, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		o := FormOwner{
			Name:  stringValue(m["name"]),
			Email: stringValue(m["email"]),
		}
		pctRaw, present := m["ownerPercentage"]
		if !present {
			pctRaw = m["ownershipPercentage"]
		}
		pct, err := parsePercentage(pctRaw)
		if err != nil {
			o.Invalid = true
		} else {
			o.Percentage = pct
		}
		owners = append(owners, o)
	}
	return owners
}

func parsePercentage(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), "%")
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case decimal.Decimal:
		return t, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported percentage type %T", v)
	}
}

func isBaseRequired(field string) bool {
	for _, f := range RequiredFields {
		if f == field {
			return true
		}
	}
	return false
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func ownerLabel(o FormOwner) string {
	if o.Email != "" {
		return o.Email
	}
	if o.Name != "" {
		return o.Name
	}
	return "(unnamed owner)"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
