// Package models defines the core data structures used across Vigil.
//
// Vigil is a self-healing control plane: it ingests numeric telemetry,
// evaluates operator-authored policies against each sample, and drives
// remediation actions through a durable queue and a worker pool. These
// models represent metric samples, policies, violations, action records,
// and the task envelopes that flow between the components.
package models

import "time"

// Severity classifies the impact of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a recognized severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// ActionType identifies a built-in remediation action.
type ActionType string

const (
	ActionScaleUp  ActionType = "scale-up"
	ActionRestart  ActionType = "restart"
	ActionDrainPod ActionType = "drain-pod"
	ActionCustom   ActionType = "custom"
)

// Valid reports whether a is a recognized action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionScaleUp, ActionRestart, ActionDrainPod, ActionCustom:
		return true
	}
	return false
}

// ActionStatus represents the lifecycle state of an action record.
//
// Transitions form a DAG: pending -> running -> completed|failed,
// running -> pending (transient-failure retry), pending -> failed
// (circuit open), pending -> cancelled.
// completed, failed, and cancelled are terminal.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusCancelled ActionStatus = "cancelled"
)

// Valid reports whether s is a recognized action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusPending, ActionStatusRunning, ActionStatusCompleted,
		ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s ActionStatus) Terminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed || s == ActionStatusCancelled
}

// MetricSample is a single ingested telemetry value. Samples are immutable
// once created; the engine only reads them.
type MetricSample struct {
	ID        int64             `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	Value     float64           `json:"value" db:"value"`
	Tags      map[string]string `json:"tags,omitempty" db:"tags"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// Violation records that a policy's condition held during an evaluation.
// Emission of a remediation intent is conditional on cooldown state and the
// policy's auto_remediate flag.
type Violation struct {
	PolicyName  string    `json:"policy_name"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Target      string    `json:"target"`
	Timestamp   time.Time `json:"timestamp"`
}

// Intent is a request to remediate a target, produced by the policy engine
// when a violation passes the cooldown gate on an auto-remediating policy.
type Intent struct {
	PolicyName string         `json:"policy_name"`
	Action     ActionType     `json:"action"`
	Target     string         `json:"target"`
	Severity   Severity       `json:"severity"`
	Params     map[string]any `json:"params,omitempty"`
}

// ActionRecord tracks a single remediation through its lifecycle. The id is
// assigned by the repository and never reused; target and action are
// immutable after creation.
type ActionRecord struct {
	ID        int64        `json:"id" db:"id"`
	Target    string       `json:"target" db:"target"`
	Action    string       `json:"action" db:"action"`
	Status    ActionStatus `json:"status" db:"status"`
	Details   string       `json:"details,omitempty" db:"details"`
	StartedAt time.Time    `json:"started_at" db:"started_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
	Attempts  int          `json:"attempts" db:"attempts"`
	LastError string       `json:"last_error,omitempty" db:"last_error"`
}

// TaskEnvelope is the queue payload referencing an action record. Attempt is
// 1-based and increments each time the envelope is re-enqueued for retry.
type TaskEnvelope struct {
	TaskID     string         `json:"task_id"`
	ActionID   int64          `json:"action_id"`
	Target     string         `json:"target"`
	Action     string         `json:"action"`
	Severity   Severity       `json:"severity"`
	Params     map[string]any `json:"params,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Attempt    int            `json:"attempt"`
}

// QueueStats is the operator-visible view of the remediation queue.
type QueueStats struct {
	QueueLength       int64          `json:"queue_length"`
	TasksEnqueued     int64          `json:"tasks_enqueued"`
	TasksDequeued     int64          `json:"tasks_dequeued"`
	TasksCompleted    int64          `json:"tasks_completed"`
	TasksFailed       int64          `json:"tasks_failed"`
	LastProcessedTask map[string]any `json:"last_processed_task,omitempty"`
}

// RunnerStatus describes the scheduled evaluator.
type RunnerStatus struct {
	Enabled         bool    `json:"enabled"`
	Running         bool    `json:"running"`
	IntervalSeconds float64 `json:"interval_seconds"`
	BatchSize       int     `json:"batch_size"`
}
