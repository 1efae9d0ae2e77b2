package signature

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
)

// ActivateSuccess resolves the signature's success callbacks and triggers
// each with the result mapped into the callback's result field, overlaid
// with extra kwargs supplied by the caller.
//
// Callbacks are consumed on activation: a key that no longer resolves means
// the signature was already activated once, which is surfaced as a
// MissingSignatureError rather than silently triggering duplicates.
func (s *Service) ActivateSuccess(ctx context.Context, key string, result json.RawMessage, extra map[string]any) error {
	return s.activate(ctx, key, redisstore.ListSuccess, "success", result, "", extra)
}

// ActivateError is the error-path counterpart of ActivateSuccess. The error
// message is mapped into each callback's result field as {"error": msg}.
func (s *Service) ActivateError(ctx context.Context, key string, taskErr string, extra map[string]any) error {
	return s.activate(ctx, key, redisstore.ListError, "error", nil, taskErr, extra)
}

func (s *Service) activate(ctx context.Context, key, list, path string, result json.RawMessage, taskErr string, extra map[string]any) error {
	cbKeys, err := s.store.ListRange(ctx, key, list)
	if err != nil {
		return err
	}
	if len(cbKeys) == 0 {
		return nil
	}

	sigs, err := s.store.GetBatch(ctx, cbKeys...)
	if err != nil {
		return err
	}
	var missing []string
	for i, sig := range sigs {
		if sig == nil {
			missing = append(missing, cbKeys[i])
		}
	}
	if len(missing) > 0 {
		return &domain.MissingSignatureError{Keys: missing}
	}

	for i, cb := range sigs {
		kwargs := map[string]any{}
		for k, v := range extra {
			kwargs[k] = v
		}
		field := resultFieldOf(cb)
		if taskErr != "" {
			kwargs[field] = map[string]any{"error": taskErr}
		} else if len(result) > 0 {
			kwargs[field] = decodeResult(result)
		}
		if err := s.TriggerSignature(ctx, cbKeys[i], kwargs); err != nil {
			return err
		}
		// Consume the entry once its trigger is out: a retried activation
		// re-fires only the callbacks that never made it.
		if err := s.store.RemoveFromList(ctx, key, list, cbKeys[i]); err != nil {
			return err
		}
		s.logger.Info("callback triggered",
			slog.String("signature_key", key),
			slog.String("callback_key", cbKeys[i]),
			slog.String("path", path),
		)
	}
	telemetry.CallbacksActivated.WithLabelValues(path).Add(float64(len(sigs)))
	return nil
}

// TriggerWithResult triggers the target signature with a predecessor's
// output mapped into the target's result field.
func (s *Service) TriggerWithResult(ctx context.Context, key string, result json.RawMessage) error {
	sig, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	var kwargs map[string]any
	if len(result) > 0 {
		kwargs = map[string]any{resultFieldOf(sig): decodeResult(result)}
	}
	return s.TriggerSignature(ctx, key, kwargs)
}

func resultFieldOf(sig domain.Signature) string {
	if base := sig.Base(); base != nil && base.ResultField != "" {
		return base.ResultField
	}
	return domain.DefaultResultField
}

// decodeResult keeps JSON results structured; anything unparsable rides
// along as a raw string.
func decodeResult(result json.RawMessage) any {
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return string(result)
	}
	return v
}
