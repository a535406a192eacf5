package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/techmedaddy/vigil/pkg/models"
)

const samplePolicyDoc = `
policies:
  - name: high-cpu
    description: "Restart on sustained high CPU"
    severity: critical
    target: web-*
    action: restart
    cooldown_seconds: 120
    condition:
      type: metric_exceeds
      metric: cpu_percent
      threshold: 90
    params:
      graceful: true
  - name: low-disk
    target: all
    action: scale-up
    enabled: false
    condition:
      type: all
      conditions:
        - type: metric_below
          metric: disk_free_percent
          threshold: 10
        - type: metric_exceeds
          metric: write_rate
          threshold: 100
`

func TestParsePolicies(t *testing.T) {
	policies, err := ParsePolicies([]byte(samplePolicyDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "high-cpu" || p.Severity != models.SeverityCritical || p.Target != "web-*" {
		t.Errorf("unexpected first policy: %+v", p)
	}
	if p.CooldownSeconds != 120 {
		t.Errorf("expected cooldown 120, got %d", p.CooldownSeconds)
	}
	if p.Condition.Type != CondMetricExceeds || p.Condition.Metric != "cpu_percent" {
		t.Errorf("unexpected condition: %+v", p.Condition)
	}
	if !p.Enabled || !p.AutoRemediate {
		t.Error("enabled and auto_remediate should default to true")
	}

	q := policies[1]
	if q.Severity != models.SeverityWarning {
		t.Errorf("severity should default to warning, got %s", q.Severity)
	}
	if q.Enabled {
		t.Error("explicit enabled: false should be honored")
	}
	if len(q.Condition.Conditions) != 2 {
		t.Errorf("expected 2 child conditions, got %d", len(q.Condition.Conditions))
	}
}

func TestParsePolicies_Malformed(t *testing.T) {
	if _, err := ParsePolicies([]byte("policies: [not, a, mapping")); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, []byte(samplePolicyDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRegistry()
	if err := r.Insert(testPolicy("stale")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := r.ReloadFromFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].Name != "high-cpu" {
		t.Errorf("unexpected contents after reload: %v", list)
	}

	t.Run("invalid document leaves registry unchanged", func(t *testing.T) {
		badPath := filepath.Join(dir, "bad.yaml")
		bad := "policies:\n  - name: broken\n    action: restart\n    condition:\n      type: bogus\n"
		if err := os.WriteFile(badPath, []byte(bad), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := r.ReloadFromFile(badPath); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
		if got := r.List(); len(got) != 2 || got[0].Name != "high-cpu" {
			t.Errorf("registry should be unchanged, got %v", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := r.ReloadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
