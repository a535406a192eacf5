package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/techmedaddy/vigil/pkg/models"
)

// userAgent identifies the control plane to the remediator.
const userAgent = "vigil-control-plane/1.0"

// Outcome classifies a remediator dispatch per the retry protocol.
type Outcome int

const (
	// OutcomeSuccess: the remediator accepted and completed the action.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient: worth retrying (network error, timeout, 408/425/429,
	// or a 5xx other than 501).
	OutcomeTransient
	// OutcomePermanent: do not retry (other 4xx, 501, or a well-formed
	// failure response).
	OutcomePermanent
)

// remediatorResponse is the expected JSON body of a remediator reply.
type remediatorResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RemediatorClient drives the external remediator over HTTP POST.
type RemediatorClient struct {
	url    string
	client *http.Client
}

// NewRemediatorClient creates a client for the remediator at url. The
// request timeout is supplied per call via context; the transport-level
// timeout here is a backstop.
func NewRemediatorClient(url string, timeout time.Duration) *RemediatorClient {
	return &RemediatorClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch posts the task envelope to the remediator and classifies the
// result. The returned detail string describes the outcome for the action
// record's last_error / details field.
func (r *RemediatorClient) Dispatch(ctx context.Context, env *models.TaskEnvelope) (Outcome, string) {
	payload, err := json.Marshal(map[string]any{
		"task_id":   env.TaskID,
		"action_id": env.ActionID,
		"target":    env.Target,
		"action":    env.Action,
		"severity":  env.Severity,
		"params":    env.Params,
		"attempt":   env.Attempt,
	})
	if err != nil {
		return OutcomePermanent, fmt.Sprintf("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return OutcomePermanent, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	// The idempotency key is derived from the task id so the remediator can
	// deduplicate redelivery of the same attempt.
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", env.TaskID, env.Attempt))

	resp, err := r.client.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Sprintf("remediator unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed remediatorResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return OutcomePermanent, fmt.Sprintf("unparseable remediator response: %v", err)
		}
		if parsed.Status == "success" {
			return OutcomeSuccess, parsed.Detail
		}
		return OutcomePermanent, fmt.Sprintf("remediator reported %q: %s", parsed.Status, parsed.Detail)

	case resp.StatusCode == http.StatusRequestTimeout, // 408
		resp.StatusCode == http.StatusTooEarly,        // 425
		resp.StatusCode == http.StatusTooManyRequests: // 429
		return OutcomeTransient, fmt.Sprintf("remediator returned %d", resp.StatusCode)

	case resp.StatusCode == http.StatusNotImplemented: // 501
		return OutcomePermanent, "remediator returned 501"

	case resp.StatusCode >= 500:
		return OutcomeTransient, fmt.Sprintf("remediator returned %d", resp.StatusCode)

	default:
		return OutcomePermanent, fmt.Sprintf("remediator returned %d", resp.StatusCode)
	}
}
