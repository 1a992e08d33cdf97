package prospects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"onboarding-crm/internal/common/database"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/validation"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/models"
)

var hundred = decimal.NewFromInt(100)

// OwnerStatus pairs an owner with whether any signature exists for them.
type OwnerStatus struct {
	models.ProspectOwner
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signedAt,omitempty"`
}

// SignatureStatus summarizes the signature state of a prospect's owners.
type SignatureStatus struct {
	ProspectID string        `json:"prospectId"`
	Owners     []OwnerStatus `json:"owners"`
	AllSigned  bool          `json:"allSigned"`
}

// TokenSummary is what the public signing page may learn from a token.
type TokenSummary struct {
	OwnerName    string `json:"ownerName"`
	ProspectName string `json:"prospectName"`
	Signed       bool   `json:"signed"`
}

// SignatureRequest is the result of RequestSignature. Link is empty when no
// signature URL is configured.
type SignatureRequest struct {
	Owner *models.ProspectOwner `json:"owner"`
	Link  string                `json:"link,omitempty"`
}

type Service struct {
	conns        database.ConnProvider
	publisher    events.Publisher
	signatureURL string
	logger       logger.Logger
}

// NewService creates the prospect owner and signature service.
func NewService(conns database.ConnProvider, publisher events.Publisher, signatureURL string, log logger.Logger) *Service {
	return &Service{
		conns:        conns,
		publisher:    publisher,
		signatureURL: strings.TrimRight(signatureURL, "/"),
		logger:       log.WithFields(map[string]interface{}{"component": "prospect-service"}),
	}
}

func (s *Service) store(ctx context.Context) (*Store, string, error) {
	db, env, err := database.ForRequest(ctx, s.conns)
	if err != nil {
		return nil, "", err
	}
	return NewStore(db), string(env), nil
}

// RequestSignature records the owner if needed, makes sure it carries a
// signature token and announces the request.
func (s *Service) RequestSignature(ctx context.Context, caller models.Caller, prospectID string, in OwnerInput) (*SignatureRequest, error) {
	if err := validateOwner(in); err != nil {
		return nil, err
	}
	store, env, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	prospect, err := store.AuthorizeCaller(ctx, prospectID, caller)
	if err != nil {
		return nil, translate(err)
	}

	owner, err := store.UpsertOwner(ctx, prospectID, in, uuid.New().String())
	if err != nil {
		return nil, translate(err)
	}

	link := s.link(owner)
	s.publish(ctx, env, events.SignatureRequested, prospect.ID, caller.UserID, map[string]interface{}{
		"ownerId":      owner.ID,
		"ownerName":    owner.Name,
		"ownerEmail":   owner.Email,
		"prospectName": prospect.Name,
		"signatureUrl": link,
	})
	s.logger.Info("Signature requested", map[string]interface{}{
		"prospectId":  prospectID,
		"ownerId":     owner.ID,
		"environment": env,
	})
	return &SignatureRequest{Owner: owner, Link: link}, nil
}

// SignInline records a signature captured in the agent's session. The owner
// is created on first sight and gets a signature token like a requested one.
func (s *Service) SignInline(ctx context.Context, caller models.Caller, prospectID string, in OwnerInput, signature string, sigType models.SignatureType) (*models.ProspectSignature, error) {
	if err := validateOwner(in); err != nil {
		return nil, err
	}
	if err := validateSignature(signature, sigType); err != nil {
		return nil, err
	}
	store, env, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := store.AuthorizeCaller(ctx, prospectID, caller); err != nil {
		return nil, translate(err)
	}

	owner, err := store.UpsertOwner(ctx, prospectID, in, uuid.New().String())
	if err != nil {
		return nil, translate(err)
	}
	sig, err := store.CreateSignature(ctx, owner, signature, sigType)
	if err != nil {
		return nil, translate(err)
	}

	s.publish(ctx, env, events.SignatureRecorded, prospectID, caller.UserID, map[string]interface{}{
		"ownerId":     owner.ID,
		"signatureId": sig.ID,
	})
	return sig, nil
}

// SignWithToken records a signature from the public signing page.
func (s *Service) SignWithToken(ctx context.Context, token, signature string, sigType models.SignatureType) (*models.ProspectSignature, error) {
	if err := validateSignature(signature, sigType); err != nil {
		return nil, err
	}
	store, env, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	owner, err := store.GetOwnerBySignatureToken(ctx, token)
	if err != nil {
		return nil, translate(err)
	}
	sig, err := store.CreateSignature(ctx, owner, signature, sigType)
	if err != nil {
		return nil, translate(err)
	}

	s.publish(ctx, env, events.SignatureRecorded, owner.ProspectID, "owner:"+owner.ID, map[string]interface{}{
		"ownerId":     owner.ID,
		"signatureId": sig.ID,
	})
	return sig, nil
}

// LookupToken returns the public summary for a signature token.
func (s *Service) LookupToken(ctx context.Context, token string) (*TokenSummary, error) {
	store, _, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	owner, err := store.GetOwnerBySignatureToken(ctx, token)
	if err != nil {
		return nil, translate(err)
	}
	prospect, err := store.GetProspect(ctx, owner.ProspectID)
	if err != nil {
		return nil, translate(err)
	}
	sigs, err := store.ListSignatures(ctx, owner.ProspectID)
	if err != nil {
		return nil, translate(err)
	}

	summary := &TokenSummary{OwnerName: owner.Name, ProspectName: prospect.Name}
	for _, sig := range sigs {
		if sig.OwnerID == owner.ID {
			summary.Signed = true
			break
		}
	}
	return summary, nil
}

// SignatureStatus lists the prospect's owners with their signed flag.
func (s *Service) SignatureStatus(ctx context.Context, caller models.Caller, prospectID string) (*SignatureStatus, error) {
	store, _, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := store.AuthorizeCaller(ctx, prospectID, caller); err != nil {
		return nil, translate(err)
	}
	owners, err := store.ListOwners(ctx, prospectID)
	if err != nil {
		return nil, translate(err)
	}
	sigs, err := store.ListSignatures(ctx, prospectID)
	if err != nil {
		return nil, translate(err)
	}

	latest := make(map[string]time.Time, len(sigs))
	for _, sig := range sigs {
		if sig.SubmittedAt.After(latest[sig.OwnerID]) {
			latest[sig.OwnerID] = sig.SubmittedAt
		}
	}

	status := &SignatureStatus{ProspectID: prospectID, Owners: make([]OwnerStatus, 0, len(owners)), AllSigned: len(owners) > 0}
	for _, o := range owners {
		os := OwnerStatus{ProspectOwner: o}
		if at, ok := latest[o.ID]; ok {
			os.Signed = true
			os.SignedAt = &at
		} else {
			status.AllSigned = false
		}
		status.Owners = append(status.Owners, os)
	}
	return status, nil
}

func (s *Service) link(owner *models.ProspectOwner) string {
	if s.signatureURL == "" || owner.SignatureToken == nil {
		return ""
	}
	return s.signatureURL + "/" + *owner.SignatureToken
}

func (s *Service) publish(ctx context.Context, env string, typ events.Type, prospectID, actor string, metadata map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.Event{
		Type:        typ,
		Environment: env,
		ProspectID:  prospectID,
		Actor:       actor,
		Metadata:    metadata,
		OccurredAt:  time.Now().UTC(),
	})
}

func validateOwner(in OwnerInput) error {
	var errs []string
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, "owner name is required")
	}
	if !validation.ValidateEmail(strings.TrimSpace(in.Email)) {
		errs = append(errs, "owner email is invalid")
	}
	if in.OwnershipPercentage.IsNegative() || in.OwnershipPercentage.GreaterThan(hundred) {
		errs = append(errs, "ownership percentage must be between 0 and 100")
	}
	if len(errs) > 0 {
		return apperrors.NewValidationFailedError(errs, nil)
	}
	return nil
}

func validateSignature(signature string, sigType models.SignatureType) error {
	if strings.TrimSpace(signature) == "" {
		return apperrors.NewBadRequestError("signature is required")
	}
	if !sigType.Valid() {
		return apperrors.NewBadRequestError(fmt.Sprintf("signatureType must be drawn or typed, got %q", sigType))
	}
	return nil
}

func translate(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrProspectNotFound):
		return apperrors.NewNotFoundError("prospect", err.Error())
	case errors.Is(err, ErrOwnerNotFound):
		return apperrors.NewNotFoundError("signature token", err.Error())
	case errors.Is(err, ErrAgentNotFound):
		return apperrors.NewNotFoundError("agent", err.Error())
	case errors.Is(err, ErrNotOwner):
		return apperrors.NewForbiddenError(err.Error())
	default:
		return apperrors.NewInternalError(err)
	}
}
