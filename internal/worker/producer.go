package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/pkg/models"
)

// Producer converts remediation intents into persisted action records and
// queue envelopes. The record is created first so every envelope on the
// queue references a durable action id.
type Producer struct {
	actions store.ActionStore
	tasks   queue.Queue
}

// NewProducer creates a Producer over the action store and task queue.
func NewProducer(actions store.ActionStore, tasks queue.Queue) *Producer {
	return &Producer{actions: actions, tasks: tasks}
}

// EnqueueIntent persists a pending action record for the intent and appends
// a task envelope to the queue. It returns the new action id.
func (p *Producer) EnqueueIntent(ctx context.Context, intent models.Intent) (int64, error) {
	details, _ := json.Marshal(map[string]any{
		"policy_name":  intent.PolicyName,
		"params":       intent.Params,
		"triggered_at": time.Now().UTC().Format(time.RFC3339),
	})

	actionID, err := p.actions.Create(ctx, intent.Target, string(intent.Action), string(details))
	if err != nil {
		return 0, fmt.Errorf("worker: create action for %q: %w", intent.Target, err)
	}

	env := &models.TaskEnvelope{
		TaskID:     uuid.NewString(),
		ActionID:   actionID,
		Target:     intent.Target,
		Action:     string(intent.Action),
		Severity:   intent.Severity,
		Params:     intent.Params,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    1,
	}

	if err := p.tasks.Enqueue(ctx, env); err != nil {
		// The record exists but its envelope was lost; fail it so the
		// operator sees a terminal state instead of a stuck pending action.
		if ferr := p.actions.MarkFailed(ctx, actionID, "enqueue failed: "+err.Error()); ferr != nil {
			log.Printf("worker: failed to mark action %d after enqueue error: %v", actionID, ferr)
		}
		return 0, fmt.Errorf("worker: enqueue action %d: %w", actionID, err)
	}

	log.Printf("worker: enqueued intent policy=%s action=%s target=%s (action_id=%d)",
		intent.PolicyName, intent.Action, intent.Target, actionID)
	return actionID, nil
}
