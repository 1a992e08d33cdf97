package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

var (
	ErrDuplicateTemplate = errors.New("duplicate template id")
	ErrUnknownAcquirer   = errors.New("unknown acquirer")
)

// LoadRegistry reads the template registry file.
func LoadRegistry(path string) (*TemplateRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg TemplateRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &reg, nil
}

// SaveRegistry writes the registry back as indented JSON.
func SaveRegistry(path string, reg *TemplateRegistry) error {
	reg.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Template looks up a template by id.
func (r *TemplateRegistry) Template(id string) (*Template, bool) {
	for i := range r.Templates {
		if r.Templates[i].ID == id {
			return &r.Templates[i], true
		}
	}
	return nil, false
}

func (r *TemplateRegistry) Acquirer(id string) (*Acquirer, bool) {
	for i := range r.Acquirers {
		if r.Acquirers[i].ID == id {
			return &r.Acquirers[i], true
		}
	}
	return nil, false
}

// TemplatesFor lists the templates of one acquirer sorted by id.
func (r *TemplateRegistry) TemplatesFor(acquirerID string) []Template {
	var out []Template
	for _, t := range r.Templates {
		if t.AcquirerID == acquirerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert replaces a template with the same id or appends a new one.
func (r *TemplateRegistry) Upsert(t Template) {
	for i := range r.Templates {
		if r.Templates[i].ID == t.ID {
			r.Templates[i] = t
			return
		}
	}
	r.Templates = append(r.Templates, t)
}

// Validate checks referential integrity. Schema compilation is left to the
// caller.
func (r *TemplateRegistry) Validate() []error {
	var errs []error
	acquirers := make(map[string]bool, len(r.Acquirers))
	for _, a := range r.Acquirers {
		if a.ID == "" {
			errs = append(errs, errors.New("acquirer with empty id"))
			continue
		}
		if acquirers[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate acquirer id %q", a.ID))
		}
		acquirers[a.ID] = true
	}

	seen := make(map[string]bool, len(r.Templates))
	for _, t := range r.Templates {
		if t.ID == "" {
			errs = append(errs, errors.New("template with empty id"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTemplate, t.ID))
		}
		seen[t.ID] = true
		if !acquirers[t.AcquirerID] {
			errs = append(errs, fmt.Errorf("%w: template %s references %q", ErrUnknownAcquirer, t.ID, t.AcquirerID))
		}
	}
	return errs
}
