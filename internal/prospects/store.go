package prospects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"onboarding-crm/internal/common/database"
	"onboarding-crm/internal/models"
)

var (
	ErrProspectNotFound = errors.New("PROSPECT_NOT_FOUND")
	ErrAgentNotFound    = errors.New("AGENT_NOT_FOUND")
	ErrOwnerNotFound    = errors.New("OWNER_NOT_FOUND")
	ErrNotOwner         = errors.New("NOT_OWNER")
	ErrDatabase         = errors.New("DATABASE_ERROR")
)

const (
	prospectColumns  = `id, name, email, phone, form_data, agent_id, validation_token, created_at, updated_at`
	ownerColumns     = `id, prospect_id, name, email, ownership_percentage, signature_token, created_at`
	signatureColumns = `id, prospect_id, owner_id, signature, signature_type, signature_token, submitted_at`
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// Store reads and writes prospects, their agents, owners and signatures in a
// single environment's database.
type Store struct {
	db  database.DBTX
	now func() time.Time
}

// NewStore creates a prospect store over db.
func NewStore(db database.DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

// GetProspect loads one prospect by id.
func (s *Store) GetProspect(ctx context.Context, id string) (*models.Prospect, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)
	p, err := scanProspect(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProspectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get prospect: %v", ErrDatabase, err)
	}
	return p, nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, email, phone FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Email, &a.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get agent: %v", ErrDatabase, err)
	}
	return &a, nil
}

// AuthorizeCaller loads the prospect and checks that caller is an admin or
// the user behind the prospect's assigned agent. An unassigned prospect is
// only visible to admins.
func (s *Store) AuthorizeCaller(ctx context.Context, prospectID string, caller models.Caller) (*models.Prospect, error) {
	p, err := s.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, err
	}
	if caller.IsAdmin() {
		return p, nil
	}
	if p.AgentID == nil || *p.AgentID == "" {
		return nil, fmt.Errorf("%w: prospect %s has no assigned agent", ErrNotOwner, prospectID)
	}

	agent, err := s.GetAgent(ctx, *p.AgentID)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, fmt.Errorf("%w: agent %s missing", ErrNotOwner, *p.AgentID)
	}
	if err != nil {
		return nil, err
	}
	if caller.UserID == "" || agent.UserID != caller.UserID {
		return nil, fmt.Errorf("%w: user %s is not agent %s", ErrNotOwner, caller.UserID, agent.ID)
	}
	return p, nil
}

// ListOwners returns the owners recorded for a prospect.
func (s *Store) ListOwners(ctx context.Context, prospectID string) ([]models.ProspectOwner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ownerColumns+` FROM prospect_owners WHERE prospect_id = $1 ORDER BY created_at, email`, prospectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list owners: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []models.ProspectOwner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan owner: %v", ErrDatabase, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list owners: %v", ErrDatabase, err)
	}
	return out, nil
}

func (s *Store) ListSignatures(ctx context.Context, prospectID string) ([]models.ProspectSignature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signatureColumns+` FROM prospect_signatures WHERE prospect_id = $1 ORDER BY submitted_at`, prospectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list signatures: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []models.ProspectSignature
	for rows.Next() {
		var sig models.ProspectSignature
		var sigType string
		if err := rows.Scan(&sig.ID, &sig.ProspectID, &sig.OwnerID, &sig.Signature, &sigType, &sig.SignatureToken, &sig.SubmittedAt); err != nil {
			return nil, fmt.Errorf("%w: scan signature: %v", ErrDatabase, err)
		}
		sig.SignatureType = models.SignatureType(sigType)
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list signatures: %v", ErrDatabase, err)
	}
	return out, nil
}

// OwnerInput describes an owner as entered on the application form.
type OwnerInput struct {
	Name                string          `json:"name"`
	Email               string          `json:"email"`
	OwnershipPercentage decimal.Decimal `json:"ownershipPercentage"`
}

// UpsertOwner creates the owner on first sight of (prospect, email) and
// refreshes name and percentage afterwards. An existing signature token is
// kept; token is only used for new rows or rows without one.
func (s *Store) UpsertOwner(ctx context.Context, prospectID string, in OwnerInput, token string) (*models.ProspectOwner, error) {
	email := NormalizeEmail(in.Email)
	var tokenArg interface{}
	if token != "" {
		tokenArg = token
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO prospect_owners (id, prospect_id, name, email, ownership_percentage, signature_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (prospect_id, email) DO UPDATE SET
			name = EXCLUDED.name,
			ownership_percentage = EXCLUDED.ownership_percentage,
			signature_token = COALESCE(prospect_owners.signature_token, EXCLUDED.signature_token)
		RETURNING `+ownerColumns,
		uuid.New().String(), prospectID, strings.TrimSpace(in.Name), email,
		in.OwnershipPercentage.StringFixed(2), tokenArg, s.now().UTC(),
	)
	o, err := scanOwner(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrProspectNotFound, prospectID)
		}
		return nil, fmt.Errorf("%w: upsert owner: %v", ErrDatabase, err)
	}
	return o, nil
}

// GetOwnerBySignatureToken finds the owner a signature link was issued to.
func (s *Store) GetOwnerBySignatureToken(ctx context.Context, token string) (*models.ProspectOwner, error) {
	if token == "" {
		return nil, ErrOwnerNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM prospect_owners WHERE signature_token = $1`, token)
	o, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: owner by token: %v", ErrDatabase, err)
	}
	return o, nil
}

// CreateSignature appends a signature row. Existing rows are never changed.
func (s *Store) CreateSignature(ctx context.Context, owner *models.ProspectOwner, signature string, sigType models.SignatureType) (*models.ProspectSignature, error) {
	token := ""
	if owner.SignatureToken != nil {
		token = *owner.SignatureToken
	}
	sig := &models.ProspectSignature{
		ID:             uuid.New().String(),
		ProspectID:     owner.ProspectID,
		OwnerID:        owner.ID,
		Signature:      signature,
		SignatureType:  sigType,
		SignatureToken: token,
		SubmittedAt:    s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospect_signatures (`+signatureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sig.ID, sig.ProspectID, sig.OwnerID, sig.Signature, string(sig.SignatureType), sig.SignatureToken, sig.SubmittedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create signature: %v", ErrDatabase, err)
	}
	return sig, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanProspect(row scanner) (*models.Prospect, error) {
	var (
		p        models.Prospect
		formData []byte
		agentID  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &formData, &agentID, &p.ValidationToken, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if agentID.Valid {
		p.AgentID = &agentID.String
	}
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &p.FormData); err != nil {
			return nil, fmt.Errorf("decode form_data: %w", err)
		}
	}
	return &p, nil
}

func scanOwner(row scanner) (*models.ProspectOwner, error) {
	var (
		o     models.ProspectOwner
		token sql.NullString
	)
	if err := row.Scan(&o.ID, &o.ProspectID, &o.Name, &o.Email, &o.OwnershipPercentage, &token, &o.CreatedAt); err != nil {
		return nil, err
	}
	if token.Valid {
		o.SignatureToken = &token.String
	}
	return &o, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
