package policy

import (
	"log"
	"time"

	"github.com/techmedaddy/vigil/internal/metrics"
	"github.com/techmedaddy/vigil/pkg/models"
)

// Engine composes the registry, condition evaluation, and the cooldown
// registry into the evaluation algorithm. Evaluation is deterministic: for
// a given registry snapshot, cooldown state, metric mapping, and target,
// two calls produce identical violations in snapshot order.
type Engine struct {
	registry *Registry
	cooldown *CooldownRegistry

	now func() time.Time
}

// NewEngine creates an Engine over the given registry and cooldown state.
func NewEngine(registry *Registry, cooldown *CooldownRegistry) *Engine {
	return &Engine{
		registry: registry,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Registry exposes the engine's policy registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Cooldown exposes the engine's cooldown registry.
func (e *Engine) Cooldown() *CooldownRegistry { return e.cooldown }

// Evaluate runs every enabled policy against the metric mapping and returns
// the violations and remediation intents, in registry snapshot order.
//
// When target is non-empty, only policies whose target pattern matches it
// are considered and intents carry the concrete target; otherwise the
// policy's own target pattern is used as the effective target. A policy on
// cooldown still records a violation but emits no intent; a policy that
// passes the cooldown gate marks it fired atomically and emits an intent
// when auto_remediate is set.
func (e *Engine) Evaluate(metricsMap map[string]float64, target string) ([]models.Violation, []models.Intent) {
	return e.evaluate(metricsMap, target, false)
}

// DryRun evaluates policies exactly like Evaluate but with zero persistent
// side effects: cooldowns are only queried, never marked, and the returned
// intents are advisory. Two identical DryRun calls return identical results.
func (e *Engine) DryRun(metricsMap map[string]float64, target string) ([]models.Violation, []models.Intent) {
	return e.evaluate(metricsMap, target, true)
}

func (e *Engine) evaluate(metricsMap map[string]float64, target string, dryRun bool) ([]models.Violation, []models.Intent) {
	violations := make([]models.Violation, 0)
	intents := make([]models.Intent, 0)

	now := e.now().UTC()

	for _, p := range e.registry.ListEnabled() {
		if target != "" && !MatchTarget(p.Target, target) {
			continue
		}

		if !e.conditionHolds(&p, metricsMap) {
			metrics.PolicyEvaluations.WithLabelValues(p.Name, "pass").Inc()
			continue
		}
		metrics.PolicyEvaluations.WithLabelValues(p.Name, "violation").Inc()

		effectiveTarget := target
		if effectiveTarget == "" {
			effectiveTarget = p.Target
		}

		violations = append(violations, models.Violation{
			PolicyName:  p.Name,
			Severity:    p.Severity,
			Description: p.Description,
			Target:      effectiveTarget,
			Timestamp:   now,
		})

		cooldown := time.Duration(p.CooldownSeconds) * time.Second

		var allowed bool
		var remaining time.Duration
		if dryRun {
			allowed, remaining = e.cooldown.Ready(p.Name, effectiveTarget, cooldown)
		} else {
			allowed, remaining = e.cooldown.TryAcquire(p.Name, effectiveTarget, cooldown)
		}

		if !allowed {
			log.Printf("policy: %q violated on %q but on cooldown for %s",
				p.Name, effectiveTarget, remaining.Round(time.Second))
			continue
		}

		if !p.AutoRemediate {
			continue
		}

		intents = append(intents, models.Intent{
			PolicyName: p.Name,
			Action:     p.Action,
			Target:     effectiveTarget,
			Severity:   p.Severity,
			Params:     p.Params,
		})
	}

	return violations, intents
}

// conditionHolds evaluates a policy condition, converting any panic into a
// false result so one broken policy cannot take down the evaluation loop.
func (e *Engine) conditionHolds(p *Policy, metricsMap map[string]float64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("policy: condition evaluation for %q panicked: %v", p.Name, r)
			ok = false
		}
	}()
	return p.Condition.Eval(metricsMap)
}
