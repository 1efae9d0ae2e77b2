package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/imaginary-cherry/mageflow/internal/engine"
)

// TaskEmail is the registered name of the SMTP send task.
const TaskEmail = "mageflow.email"

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// emailInput is the kwargs shape the email task expects.
type emailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Email sends a plain-text email via SMTP.
type Email struct {
	cfg EmailConfig
}

// NewEmail creates the email task handler from config.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg}
}

func (h *Email) TaskName() string { return TaskEmail }

func (h *Email) Handle(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	ctx, span := otel.Tracer("conductor").Start(ctx, "handler.email")
	defer span.End()

	var in emailInput
	if err := decodeKwargs(job.Kwargs, &in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid kwargs")
		return nil, fmt.Errorf("invalid email kwargs: %w", err)
	}
	if in.To == "" {
		err := errors.New("email kwargs missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return nil, err
	}

	span.SetAttributes(attribute.String("email.to", in.To))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, in.To, in.Subject, in.Body)

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// Run the blocking SMTP call in a goroutine so we respect ctx cancellation.
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		done <- result{err: smtp.SendMail(addr, auth, h.cfg.From, []string{in.To}, msg)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "smtp send failed")
			return nil, fmt.Errorf("smtp send to %s: %w", in.To, res.err)
		}
		return json.Marshal(map[string]string{"delivered_to": in.To})
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
