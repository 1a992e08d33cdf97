package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"onboarding-crm/internal/common/environment"
)

// SettingsStore keeps the environment selection in the settings table of a
// fixed control environment. It is the fallback when Redis is not configured.
type SettingsStore struct {
	conns   ConnProvider
	control environment.Environment
	key     string
}

// NewSettingsStore stores the selection in the database of the control environment.
func NewSettingsStore(conns ConnProvider, control environment.Environment, key string) *SettingsStore {
	return &SettingsStore{conns: conns, control: control, key: key}
}

func (s *SettingsStore) Load(ctx context.Context) (environment.Environment, bool, error) {
	db, err := s.conns.Conn(ctx, s.control)
	if err != nil {
		return "", false, err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, s.key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", s.key, err)
	}
	return environment.Environment(value), true, nil
}

func (s *SettingsStore) Save(ctx context.Context, env environment.Environment) error {
	db, err := s.conns.Conn(ctx, s.control)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		s.key, string(env),
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", s.key, err)
	}
	return nil
}
