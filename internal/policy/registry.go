package policy

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/techmedaddy/vigil/pkg/models"
)

// Sentinel errors returned by registry operations. The API layer maps these
// to HTTP status codes.
var (
	ErrNotFound      = errors.New("policy not found")
	ErrAlreadyExists = errors.New("policy already exists")
	ErrInvalid       = errors.New("invalid policy")
)

// Policy is a named, enable-able rule pairing a condition tree with a
// remediation action. Policies are owned by the Registry; readers receive
// copies and never share mutable state with it.
type Policy struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Severity        models.Severity   `json:"severity"`
	Target          string            `json:"target"`
	Enabled         bool              `json:"enabled"`
	AutoRemediate   bool              `json:"auto_remediate"`
	Condition       Condition         `json:"condition"`
	Action          models.ActionType `json:"action"`
	Params          map[string]any    `json:"params,omitempty"`
	CooldownSeconds int               `json:"cooldown_seconds"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Validate checks the policy shape: name, severity, action, target pattern,
// cooldown, and condition structure.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalid, p.Severity)
	}
	if !p.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalid, p.Action)
	}
	if !ValidTargetPattern(p.Target) {
		return fmt.Errorf("%w: unsupported target pattern %q", ErrInvalid, p.Target)
	}
	if p.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds must be non-negative", ErrInvalid)
	}
	if err := p.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// clone returns a deep enough copy for handing to readers: the params map
// (top level only) and the condition tree's child slices are copied, since
// those are the reference types a caller could corrupt.
func (p *Policy) clone() Policy {
	cp := *p
	if p.Params != nil {
		cp.Params = make(map[string]any, len(p.Params))
		for k, v := range p.Params {
			cp.Params[k] = v
		}
	}
	cp.Condition = cloneCondition(p.Condition)
	return cp
}

func cloneCondition(c Condition) Condition {
	cp := c
	if len(c.Conditions) > 0 {
		cp.Conditions = make([]Condition, len(c.Conditions))
		for i := range c.Conditions {
			cp.Conditions[i] = cloneCondition(c.Conditions[i])
		}
	}
	return cp
}

// PolicyPatch carries the recognized fields of a partial policy update.
// Nil pointers leave the corresponding field unchanged.
type PolicyPatch struct {
	Description   *string            `json:"description,omitempty"`
	Severity      *models.Severity   `json:"severity,omitempty"`
	Target        *string            `json:"target,omitempty"`
	Enabled       *bool              `json:"enabled,omitempty"`
	AutoRemediate *bool              `json:"auto_remediate,omitempty"`
	Action        *models.ActionType `json:"action,omitempty"`
	Params        map[string]any     `json:"params,omitempty"`
	Condition     *Condition         `json:"condition,omitempty"`
	Cooldown      *int               `json:"cooldown_seconds,omitempty"`
}

// Registry is the in-memory authoritative set of policies. List and Get
// observe a point-in-time snapshot; mutations are serialized behind the
// write lock. Snapshot order is insertion order, which keeps engine
// evaluation deterministic.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Insert registers a new policy after validation. It fails with
// ErrAlreadyExists if the name is taken.
func (r *Registry) Insert(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[p.Name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, p.Name)
	}

	p.CreatedAt = time.Now().UTC()
	stored := p.clone()
	r.policies[p.Name] = &stored
	r.order = append(r.order, p.Name)

	log.Printf("policy: registered %q (severity=%s, target=%s, enabled=%t)",
		p.Name, p.Severity, p.Target, p.Enabled)
	return nil
}

// Update merges the recognized patch fields into an existing policy. The
// swap is atomic: readers see either the old or the new policy, never a
// partial blend.
func (r *Registry) Update(name string, patch PolicyPatch) (Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	updated := existing.clone()
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Severity != nil {
		updated.Severity = *patch.Severity
	}
	if patch.Target != nil {
		updated.Target = *patch.Target
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	if patch.AutoRemediate != nil {
		updated.AutoRemediate = *patch.AutoRemediate
	}
	if patch.Action != nil {
		updated.Action = *patch.Action
	}
	if patch.Params != nil {
		updated.Params = patch.Params
	}
	if patch.Condition != nil {
		updated.Condition = *patch.Condition
	}
	if patch.Cooldown != nil {
		updated.CooldownSeconds = *patch.Cooldown
	}

	if err := updated.Validate(); err != nil {
		return Policy{}, err
	}

	stored := updated.clone()
	r.policies[name] = &stored

	log.Printf("policy: updated %q", name)
	return updated, nil
}

// Delete removes a policy by name. Deleting a missing policy is an error.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	delete(r.policies, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	log.Printf("policy: deleted %q", name)
	return nil
}

// Get returns a snapshot of a single policy.
func (r *Registry) Get(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p.clone(), nil
}

// List returns a snapshot of all policies in insertion order.
func (r *Registry) List() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.policies[name].clone())
	}
	return out
}

// ListEnabled returns a snapshot of enabled policies in insertion order.
func (r *Registry) ListEnabled() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.order))
	for _, name := range r.order {
		if p := r.policies[name]; p.Enabled {
			out = append(out, p.clone())
		}
	}
	return out
}

// BySeverity returns a snapshot of policies matching the given severity.
func (r *Registry) BySeverity(s models.Severity) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0)
	for _, name := range r.order {
		if p := r.policies[name]; p.Severity == s {
			out = append(out, p.clone())
		}
	}
	return out
}

// Enable atomically sets enabled=true on a policy.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable atomically sets enabled=false on a policy.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p.Enabled = enabled

	log.Printf("policy: %q enabled=%t", name, enabled)
	return nil
}

// Reload replaces the registry contents transactionally. Every candidate is
// validated first; if any entry fails, the registry is left unchanged and
// the error names the offending policies. A reader calling List during a
// reload sees either the pre-reload or the post-reload set, never a blend.
func (r *Registry) Reload(candidates []Policy) error {
	var bad []string
	seen := make(map[string]bool, len(candidates))
	for i := range candidates {
		if err := candidates[i].Validate(); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", candidates[i].Name, err))
			continue
		}
		if seen[candidates[i].Name] {
			bad = append(bad, fmt.Sprintf("%s: duplicate name", candidates[i].Name))
			continue
		}
		seen[candidates[i].Name] = true
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: reload rejected: %v", ErrInvalid, bad)
	}

	now := time.Now().UTC()
	next := make(map[string]*Policy, len(candidates))
	order := make([]string, 0, len(candidates))
	for i := range candidates {
		p := candidates[i].clone()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		next[p.Name] = &p
		order = append(order, p.Name)
	}

	r.mu.Lock()
	r.policies = next
	r.order = order
	r.mu.Unlock()

	log.Printf("policy: reloaded registry with %d policies", len(order))
	return nil
}

// Len returns the number of registered policies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}
