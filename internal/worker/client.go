package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/task"
)

const (
	pollInitial = 100 * time.Millisecond
	pollMax     = 2 * time.Second

	defaultMaxInFlight = 16
	defaultCancelGrace = 2 * time.Second
)

// Client submits tasks to a remote worker and polls them to completion.
// It satisfies the coordinator's Executor contract.
type Client struct {
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
	// CancelGrace is how long a cancelled task may keep its slot while the
	// worker acknowledges the cancel.
	CancelGrace time.Duration
}

// NewClient builds a client for the worker at baseURL. maxInFlight bounds
// concurrent submissions; <= 0 means 16.
func NewClient(baseURL string, maxInFlight int64) *Client {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		sem:         semaphore.NewWeighted(maxInFlight),
		CancelGrace: defaultCancelGrace,
	}
}

// Execute submits the task, polls its status with backoff, and fetches the
// result. On ctx cancellation the task is cancelled on the worker before
// Execute returns.
func (c *Client) Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, task.Errorf(task.KindCancelled, "%v", err)
	}
	defer c.sem.Release(1)

	if err := c.submit(ctx, req); err != nil {
		return nil, err
	}

	st, err := c.poll(ctx, req.TaskID)
	if err != nil {
		c.cancelRemote(req.TaskID)
		return nil, err
	}
	switch st.State {
	case task.StateSucceeded:
		return c.result(ctx, req.TaskID)
	case task.StateCancelled:
		return nil, task.Errorf(task.KindCancelled, "task %s cancelled on worker", req.TaskID)
	default:
		kind := st.ErrorKind
		if !kind.Valid() {
			kind = task.KindInternal
		}
		return nil, task.Errorf(kind, "%s", st.Error)
	}
}

func (c *Client) submit(ctx context.Context, req task.SubmitRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return task.Errorf(task.KindInternal, "encode submit: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return task.Errorf(task.KindInternal, "submit request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(hreq)
	if err != nil {
		return task.Errorf(task.KindInternal, "submit: %v", err)
	}
	defer resp.Body.Close()
	var ack task.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return task.Errorf(task.KindInternal, "submit response: %v", err)
	}
	if !ack.Accepted {
		// A duplicate submission means a previous attempt of this task is
		// already on the worker; polling it is the right move.
		if ack.Reason == "duplicate task id" {
			return nil
		}
		return task.Errorf(task.KindInternal, "submit rejected: %s", ack.Reason)
	}
	return nil
}

// poll waits for the task to reach a terminal state, backing off from
// 100ms to 2s between probes.
func (c *Client) poll(ctx context.Context, taskID string) (task.StatusResponse, error) {
	delay := pollInitial
	for {
		st, err := c.status(ctx, taskID)
		if err != nil {
			return task.StatusResponse{}, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return task.StatusResponse{}, task.Errorf(task.KindCancelled, "%v", context.Cause(ctx))
		case <-t.C:
		}
		delay *= 2
		if delay > pollMax {
			delay = pollMax
		}
	}
}

func (c *Client) status(ctx context.Context, taskID string) (task.StatusResponse, error) {
	var st task.StatusResponse
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+taskID, nil)
	if err != nil {
		return st, task.Errorf(task.KindInternal, "status request: %v", err)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return st, task.Errorf(task.KindInternal, "status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, task.Errorf(task.KindInternal, "status %s: http %d", taskID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, task.Errorf(task.KindInternal, "status response: %v", err)
	}
	return st, nil
}

func (c *Client) result(ctx context.Context, taskID string) (*frame.Frame, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+taskID, nil)
	if err != nil {
		return nil, task.Errorf(task.KindInternal, "result request: %v", err)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, task.Errorf(task.KindInternal, "result: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, task.Errorf(task.KindInternal, "result %s: http %d: %s", taskID, resp.StatusCode, body)
	}
	f, err := frame.Decode(resp.Body)
	if err != nil {
		return nil, task.Errorf(task.KindInternal, "decode result: %v", err)
	}
	return f, nil
}

// cancelRemote tells the worker to abandon the task. Best effort, bounded
// by the cancel grace period; the run has already moved on.
func (c *Client) cancelRemote(taskID string) {
	grace := c.CancelGrace
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cancel/"+taskID, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Healthz probes the worker.
func (c *Client) Healthz(ctx context.Context) (task.Health, error) {
	var h task.Health
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return h, err
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("healthz: http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, err
	}
	return h, nil
}
