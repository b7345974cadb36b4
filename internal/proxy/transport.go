package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/storage"
)

// RemoteError is an exception injected by the UI through a raise action.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// APIError is a non-2xx response from the server, with the decoded body.
type APIError struct {
	Status int
	Kind   string
	Body   map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Kind)
}

// ---- wire types (client side of the api package's contracts) ----

type payloadRef struct {
	CID    string `json:"cid"`
	Data   []byte `json:"data,omitempty"`
	Format string `json:"format,omitempty"`
}

type callStartRequest struct {
	MethodName       string                `json:"method_name"`
	Target           *payloadRef           `json:"target,omitempty"`
	Args             []payloadRef          `json:"args"`
	Kwargs           map[string]payloadRef `json:"kwargs,omitempty"`
	CallSite         *storage.CallSite     `json:"call_site,omitempty"`
	ProcessPID       int                   `json:"process_pid"`
	ProcessStartTime float64               `json:"process_start_time"`
	PageURL          string                `json:"page_url,omitempty"`
	PreferredFormat  string                `json:"preferred_format,omitempty"`
	Signature        string                `json:"signature,omitempty"`
}

type callStartResponse struct {
	CallID         string `json:"call_id"`
	Action         string `json:"action"`
	PauseID        string `json:"pause_id,omitempty"`
	PollURL        string `json:"poll_url,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms,omitempty"`
}

type pollResponse struct {
	Status string                   `json:"status"`
	Action *breakpoint.ResumeAction `json:"action,omitempty"`
}

type callCompleteRequest struct {
	CallID       string                 `json:"call_id"`
	Status       string                 `json:"status"`
	ResultCID    string                 `json:"result_cid,omitempty"`
	ResultData   []byte                 `json:"result_data,omitempty"`
	ResultFormat string                 `json:"result_format,omitempty"`
	Exception    *storage.ExceptionInfo `json:"exception,omitempty"`
}

type pollReplResponse struct {
	Evals []*breakpoint.PendingEval `json:"evals"`
}

type replResultRequest struct {
	EvalID     string `json:"eval_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error"`
	ResultCID  string `json:"result_cid,omitempty"`
	ResultData []byte `json:"result_data,omitempty"`
}

// ---- HTTP plumbing ----

func (c *Client) postJSON(path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return decodeResponse(path, resp, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return decodeResponse(path, resp, out)
}

func decodeResponse(path string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, &apiErr.Body) == nil {
			apiErr.Kind, _ = apiErr.Body["error"].(string)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
