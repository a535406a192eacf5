package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/techmedaddy/vigil/pkg/models"
)

// policyDocument is the on-disk shape of a declarative policy source.
//
//	policies:
//	  - name: high-cpu
//	    description: "Restart on sustained high CPU"
//	    severity: warning
//	    target: web-*
//	    enabled: true
//	    auto_remediate: true
//	    action: restart
//	    cooldown_seconds: 60
//	    condition:
//	      type: metric_exceeds
//	      metric: cpu_percent
//	      threshold: 90
//	    params:
//	      graceful: true
type policyDocument struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Severity        string         `yaml:"severity"`
	Target          string         `yaml:"target"`
	Enabled         *bool          `yaml:"enabled"`
	AutoRemediate   *bool          `yaml:"auto_remediate"`
	Action          string         `yaml:"action"`
	CooldownSeconds int            `yaml:"cooldown_seconds"`
	Condition       Condition      `yaml:"condition"`
	Params          map[string]any `yaml:"params"`
}

// ParsePolicies decodes a YAML policy document into candidate policies.
// Defaults mirror the document format: severity warning, target "all",
// enabled and auto_remediate true. Structural validation is left to the
// registry so that Reload stays the single transactional gate.
func ParsePolicies(data []byte) ([]Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse source document: %w", err)
	}

	policies := make([]Policy, 0, len(doc.Policies))
	for _, entry := range doc.Policies {
		p := Policy{
			Name:            entry.Name,
			Description:     entry.Description,
			Severity:        models.Severity(entry.Severity),
			Target:          entry.Target,
			Enabled:         true,
			AutoRemediate:   true,
			Action:          models.ActionType(entry.Action),
			Params:          entry.Params,
			CooldownSeconds: entry.CooldownSeconds,
			Condition:       entry.Condition,
		}
		if entry.Severity == "" {
			p.Severity = models.SeverityWarning
		}
		if entry.Target == "" {
			p.Target = "all"
		}
		if entry.Enabled != nil {
			p.Enabled = *entry.Enabled
		}
		if entry.AutoRemediate != nil {
			p.AutoRemediate = *entry.AutoRemediate
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// LoadFile reads a YAML policy document from disk.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read source %q: %w", path, err)
	}
	return ParsePolicies(data)
}

// ReloadFromFile parses the document at path and transactionally replaces
// the registry contents. A malformed document or any invalid entry leaves
// the registry unchanged.
func (r *Registry) ReloadFromFile(path string) error {
	candidates, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Reload(candidates)
}
