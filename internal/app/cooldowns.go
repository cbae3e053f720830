package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/picklr-io/inferstack/internal/autoscale"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/state"
)

// stateCooldowns records controller cooldowns on their scaling policy node in
// the unit's state, so a restarted daemon keeps honoring them.
type stateCooldowns struct {
	mu      sync.Mutex // controllers of one daemon share the state lock
	backend state.Backend
	logger  *slog.Logger
}

func (s *stateCooldowns) SaveCooldowns(ctx context.Context, policy string, cd autoscale.Cooldowns) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Lock(); err != nil {
		return fmt.Errorf("failed to lock state: %w", err)
	}
	defer func() {
		if err := s.backend.Unlock(); err != nil {
			s.logger.WarnContext(ctx, "failed to unlock state", "error", err)
		}
	}()

	st, err := s.backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	rs := st.Lookup(policy)
	if rs == nil {
		return fmt.Errorf("policy %s: %w", policy, ir.ErrNotFound)
	}
	if rs.Outputs == nil {
		rs.Outputs = map[string]any{}
	}
	cd.WriteOutputs(rs.Outputs)

	st.Serial++
	if err := s.backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}
