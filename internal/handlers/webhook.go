// Package handlers ships the built-in user task handlers registered by the
// conductor alongside the orchestration-internal ones. They read their input
// from job kwargs and return a JSON result that flows into successor kwargs
// like any other task result.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/imaginary-cherry/mageflow/internal/engine"
)

// TaskWebhook is the registered name of the outbound HTTP call task.
const TaskWebhook = "mageflow.webhook"

// webhookInput is the kwargs shape the webhook task expects.
type webhookInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// webhookResult is returned as the task result.
type webhookResult struct {
	StatusCode int `json:"status_code"`
}

// Webhook makes an outbound HTTP call driven by job kwargs.
type Webhook struct {
	client *http.Client
}

// NewWebhook creates the webhook task handler.
func NewWebhook() *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *Webhook) TaskName() string { return TaskWebhook }

func (h *Webhook) Handle(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	ctx, span := otel.Tracer("conductor").Start(ctx, "handler.webhook")
	defer span.End()

	var in webhookInput
	if err := decodeKwargs(job.Kwargs, &in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid kwargs")
		return nil, fmt.Errorf("invalid webhook kwargs: %w", err)
	}
	if in.URL == "" {
		err := errors.New("webhook kwargs missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, err
	}
	if in.Method == "" {
		in.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", in.URL),
		attribute.String("webhook.method", in.Method),
	)

	var bodyReader io.Reader
	if in.Body != "" {
		bodyReader = strings.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, bodyReader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build webhook request: %w", err)
	}

	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("webhook call to %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", in.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}
	return json.Marshal(webhookResult{StatusCode: resp.StatusCode})
}

// decodeKwargs maps loosely-typed kwargs onto a typed input struct.
func decodeKwargs(kwargs map[string]any, out any) error {
	data, err := json.Marshal(kwargs)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
