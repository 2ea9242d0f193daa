// Package sync provides replay of queued offline writes against the
// remote API.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quinca-app/engine/internal/config"
	apperrors "github.com/quinca-app/engine/internal/errors"
	"github.com/quinca-app/engine/internal/logging"
	"github.com/quinca-app/engine/internal/models"
	"github.com/quinca-app/engine/internal/sync/queue"
)

// Outcome classifies a single replay attempt.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeAuthRequired Outcome = "auth_required"
	OutcomeRejected     Outcome = "rejected"
	OutcomeNetwork      Outcome = "network_failure"
)

// DrainResult summarizes one drain attempt. It is the sole notification
// contract the engine owes to the UI layer.
type DrainResult struct {
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	AuthRequired bool          `json:"auth_required"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
}

// Drainer is the drain contract consumed by the coordinator. It allows
// mocking in tests and alternative implementations.
type Drainer interface {
	// Drain replays all currently queued operations in FIFO order.
	Drain(ctx context.Context) (*DrainResult, error)
}

// Engine replays pending operations against the remote API using the
// configured operation route table.
type Engine struct {
	baseURL    string
	routes     map[string]config.Route
	client     *http.Client
	queue      *queue.Queue
	reconciler *Reconciler
}

// NewEngine creates a replay engine. reconciler may be nil when the
// local store is unavailable; reconciliation is then skipped.
func NewEngine(baseURL string, routes map[string]config.Route, client *http.Client, q *queue.Queue, reconciler *Reconciler) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Engine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		routes:     routes,
		client:     client,
		queue:      q,
		reconciler: reconciler,
	}
}

// Drain replays queued operations in creation order until the queue is
// empty, an auth failure stops the run, or a transient failure yields to
// the next trigger. The queue is re-read at every step, so a drain
// interrupted mid-way resumes exactly where it stopped.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	for {
		select {
		case <-ctx.Done():
			// Teardown at an operation boundary; the queue stays intact.
			return result, ctx.Err()
		default:
		}

		op, err := e.queue.Next(ctx)
		if err != nil {
			return result, err
		}
		if op == nil {
			return result, nil
		}

		result.Attempted++
		outcome, body, replayErr := e.replay(ctx, op)

		switch outcome {
		case OutcomeSuccess:
			if e.reconciler != nil {
				e.reconciler.Reconcile(ctx, op, body)
			}
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				return result, err
			}
			result.Succeeded++

		case OutcomeAuthRequired:
			// The operation will never succeed unattended. Remove it,
			// flag the run, and preserve the rest of the queue for a run
			// after the user re-authenticates.
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				return result, err
			}
			result.Failed++
			result.AuthRequired = true
			logging.Warn("Replay halted: authentication required",
				map[string]interface{}{"operation_type": op.OperationType, "id": op.ID})
			return result, nil

		case OutcomeRejected:
			if err := e.queue.MarkAttempt(ctx, op.ID, replayErr.Error()); err != nil {
				return result, err
			}
			if op.AttemptCount+1 >= e.queue.MaxAttempts() {
				if err := e.queue.MoveToDeadLetter(ctx, op.ID, replayErr.Error()); err != nil {
					return result, err
				}
				result.DeadLettered++
				result.Failed++
				continue
			}
			result.Failed++
			// Retried on the next trigger; yield rather than busy-retry.
			return result, nil

		default: // OutcomeNetwork
			if err := e.queue.MarkAttempt(ctx, op.ID, replayErr.Error()); err != nil {
				return result, err
			}
			result.Failed++
			logging.Debug("Replay yielded on network failure",
				map[string]interface{}{"operation_type": op.OperationType, "id": op.ID})
			return result, nil
		}
	}
}

// replay issues one pending operation against its mapped endpoint and
// classifies the outcome.
func (e *Engine) replay(ctx context.Context, op *models.PendingOperation) (Outcome, []byte, error) {
	route, ok := e.routes[op.OperationType]
	if !ok {
		// No endpoint will ever exist for this operation; park it.
		err := apperrors.New(apperrors.ErrUnknownOpType,
			fmt.Sprintf("no route for operation type %q", op.OperationType))
		if dlErr := e.queue.MoveToDeadLetter(ctx, op.ID, err.Error()); dlErr != nil {
			return OutcomeNetwork, nil, dlErr
		}
		return OutcomeRejected, nil, err
	}

	url := e.baseURL + expandPath(route.Path, op.Payload)

	req, err := http.NewRequestWithContext(ctx, route.Method, url, bytes.NewReader(op.Payload))
	if err != nil {
		return OutcomeNetwork, nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return OutcomeNetwork, nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return OutcomeNetwork, nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "read response failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess, body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return OutcomeAuthRequired, body, apperrors.New(apperrors.ErrAuthRequired,
			fmt.Sprintf("remote returned %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return OutcomeRejected, body, apperrors.New(apperrors.ErrRemoteRejected,
			fmt.Sprintf("remote rejected with %d: %s", resp.StatusCode, truncate(body, 200)))
	default:
		return OutcomeNetwork, body, apperrors.New(apperrors.ErrNetworkFailure,
			fmt.Sprintf("remote returned %d", resp.StatusCode))
	}
}

// expandPath fills the {id} placeholder from the operation payload.
func expandPath(path string, payload json.RawMessage) string {
	if !strings.Contains(path, "{id}") {
		return path
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return path
	}

	id := ""
	switch v := fields["id"].(type) {
	case string:
		id = v
	case float64:
		id = strings.TrimSuffix(fmt.Sprintf("%.0f", v), ".")
	}
	return strings.ReplaceAll(path, "{id}", id)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
