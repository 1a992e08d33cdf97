package environment

import (
	"context"
	"strings"

	"onboarding-crm/internal/common/errors"
)

// Environment names one of the isolated data stores a request can touch.
type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
	Test        Environment = "test"
)

func (e Environment) String() string {
	return string(e)
}

func (e Environment) Valid() bool {
	switch e {
	case Production, Development, Test:
		return true
	}
	return false
}

// Selectable reports whether the environment may be chosen through the
// selector. Production is reachable only by hostname.
func (e Environment) Selectable() bool {
	return e == Development || e == Test
}

// Parse accepts any known environment name, case-insensitively.
func Parse(raw string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(raw)))
	if !env.Valid() {
		return "", errors.NewInvalidEnvironmentError(raw)
	}
	return env, nil
}

// Resolution is the per-request outcome of environment resolution.
type Resolution struct {
	Environment  Environment `json:"environment"`
	IsProduction bool        `json:"isProduction"`
}

type contextKey struct{}

func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

func FromContext(ctx context.Context) (Resolution, bool) {
	res, ok := ctx.Value(contextKey{}).(Resolution)
	return res, ok
}
