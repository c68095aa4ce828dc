// Package rpchost implements toolhost.Host over HTTP+JSON against a
// sidecar process, matching the "capability server" framing of the
// orchestrator's listTools()/callTool() contract.
package rpchost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sablecore/aegis/internal/toolhost"
)

// Config configures an rpchost.Host.
type Config struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// Host calls out to an orchestrator sidecar over HTTP+JSON.
type Host struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// New creates an rpchost.Host pointed at baseURL. A nil Client field in cfg
// defaults to http.DefaultClient; a zero Timeout defaults to 30s.
func New(cfg Config) *Host {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Host{baseURL: cfg.BaseURL, client: client, timeout: timeout}
}

type listToolsResponse struct {
	Tools []toolhost.Descriptor `json:"tools"`
}

// ListTools calls GET {baseURL}/tools.
func (h *Host) ListTools(ctx context.Context) ([]toolhost.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Trace-Id", traceIDFrom(ctx))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpchost: list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rpchost: list tools: status %d: %s", resp.StatusCode, body)
	}

	var parsed listToolsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rpchost: decode tool list: %w", err)
	}
	return parsed.Tools, nil
}

type callToolRequest struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	TraceID string          `json:"trace_id"`
}

// callToolEnvelope mirrors the orchestrator's {success, content|error}
// response shape; the engine unwraps one level (response.data or response)
// before the content reaches the model, per the external-interfaces
// contract.
type callToolEnvelope struct {
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Execute calls POST {baseURL}/tools/call.
func (h *Host) Execute(ctx context.Context, name string, params json.RawMessage) (*toolhost.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	traceID := traceIDFrom(ctx)
	body, err := json.Marshal(callToolRequest{Name: name, Args: params, TraceID: traceID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", traceID)

	resp, err := h.client.Do(req)
	if err != nil {
		return &toolhost.Result{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &toolhost.ErrNotFound{Name: name}
	}

	var envelope callToolEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &toolhost.Result{Content: fmt.Sprintf("rpchost: decode response: %v", err), IsError: true}, nil
	}

	if !envelope.Success {
		return &toolhost.Result{Content: envelope.Error, IsError: true}, nil
	}

	content := unwrapContent(envelope.Content)
	return &toolhost.Result{Content: content}, nil
}

// unwrapContent peels one level of {"data": ...} or {"response": ...}
// wrapping off the orchestrator's content envelope, per the external
// interfaces contract, and returns the raw JSON text otherwise.
func unwrapContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if data, ok := wrapper["data"]; ok {
			return string(data)
		}
		if data, ok := wrapper["response"]; ok {
			return string(data)
		}
	}
	return string(raw)
}

type traceIDKey struct{}

// WithTraceID attaches a trace identifier to ctx for propagation on the
// next rpchost call.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func traceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
