// internal/models/auth.go
package models

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleAgent
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}
