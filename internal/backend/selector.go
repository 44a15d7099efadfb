package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Selector picks the backend for a run from the project's isolation mode and
// walks the fallback chain (container -> vm -> local) when a tier is
// unavailable. Every dropped tier is recorded as a reason; nothing fails
// over silently.
type Selector struct {
	cfg    *config.Config
	logger *zap.Logger

	// factory is swappable in tests
	factory func(kind domain.BackendKind) Backend
}

// NewSelector creates a backend Selector
func NewSelector(cfg *config.Config, logger *zap.Logger) *Selector {
	s := &Selector{cfg: cfg, logger: logger}
	s.factory = s.build
	return s
}

func (s *Selector) build(kind domain.BackendKind) Backend {
	switch kind {
	case domain.BackendVMContainer:
		vm := NewVM(s.cfg.VM, s.logger)
		return NewContainer(vm, s.cfg.Container, s.logger)
	case domain.BackendVM:
		return NewVM(s.cfg.VM, s.logger)
	default:
		return NewLocal()
	}
}

// Select returns a usable backend starting from the preferred kind, plus the
// ordered fallback reasons for every tier that was dropped
func (s *Selector) Select(ctx context.Context, preferred domain.BackendKind) (Backend, []string, error) {
	var reasons []string

	kind := preferred
	for {
		b := s.factory(kind)
		err := b.Available(ctx)
		if err == nil {
			if len(reasons) > 0 {
				s.logger.Warn("backend fallback",
					zap.String("preferred", string(preferred)),
					zap.String("selected", string(kind)),
					zap.Strings("reasons", reasons))
			}
			return b, reasons, nil
		}
		b.Close()

		next := kind.FallbackTier()
		if next == "" {
			return nil, reasons, fmt.Errorf("backend %s: %w", kind, err)
		}
		reasons = append(reasons, fmt.Sprintf("%s unavailable: %v", kind, err))
		kind = next
	}
}
