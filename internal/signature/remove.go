package signature

import (
	"context"
	"errors"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

// Remove soft-deletes the signature, the selected callback branches and, for
// container variants, their sub-signatures. Each branch is removed
// best-effort and independently; records vanish on their own once the grace
// TTL runs out, so a failed branch removal heals itself.
func (s *Service) Remove(ctx context.Context, key string, withSuccess, withError bool) error {
	sig, err := s.store.Get(ctx, key)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			return nil // already gone
		}
		return err
	}

	if withSuccess {
		s.removeBranch(ctx, key, redisstore.ListSuccess)
	}
	if withError {
		s.removeBranch(ctx, key, redisstore.ListError)
	}

	switch v := sig.(type) {
	case *domain.ChainSignature:
		for _, sub := range v.Tasks {
			s.removeChild(ctx, key, sub)
		}
	case *domain.SwarmSignature:
		for _, sub := range v.Tasks {
			s.removeChild(ctx, key, sub)
		}
		if v.PublishStateKey != "" {
			s.removeChild(ctx, key, v.PublishStateKey)
		}
	case *domain.BatchItemSignature:
		if v.OriginalTaskKey != "" {
			s.removeChild(ctx, key, v.OriginalTaskKey)
		}
	}

	return s.store.SoftDelete(ctx, key)
}

func (s *Service) removeBranch(ctx context.Context, key, list string) {
	cbKeys, err := s.store.ListRange(ctx, key, list)
	if err != nil {
		s.logger.Warn("callback branch removal skipped",
			slog.String("signature_key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, cb := range cbKeys {
		s.removeChild(ctx, key, cb)
	}
}

func (s *Service) removeChild(ctx context.Context, parent, child string) {
	if err := s.Remove(ctx, child, true, true); err != nil {
		s.logger.Warn("child removal skipped",
			slog.String("signature_key", parent),
			slog.String("child_key", child),
			slog.String("error", err.Error()),
		)
	}
}
