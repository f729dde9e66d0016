package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvander/mailbridge/internal/auth/flow"
)

// sweepConcurrency bounds how many accounts refresh in parallel per sweep.
const sweepConcurrency = 4

// Sweeper proactively refreshes tokens nearing expiry: once at startup
// and then on a timer. One account's refresh failure never blocks the
// rest of the sweep.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper builds a sweeper over the registry. interval <= 0 disables
// the periodic sweeps; Run then only performs the startup sweep.
func NewSweeper(r *Registry, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{registry: r, interval: interval, log: log}
}

// Run sweeps immediately, then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep walks all linked accounts and refreshes the ones that need it.
// Failures are reported per account and counted, not propagated.
func (s *Sweeper) Sweep(ctx context.Context) (refreshed, failed int) {
	accounts := s.registry.List()
	if len(accounts) == 0 {
		return 0, 0
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			before := acc.ExpiresAt
			after, err := s.registry.RefreshIfNeeded(ctx, acc.ID)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				if flow.IsPermanentRefreshError(err) {
					s.log.Error("refresh failed, account needs re-linking",
						zap.String("email", acc.Email), zap.Error(err))
				} else {
					s.log.Warn("refresh failed, will retry next sweep",
						zap.String("email", acc.Email), zap.Error(err))
				}
				return nil
			}
			if !after.ExpiresAt.Equal(before) {
				mu.Lock()
				refreshed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if refreshed > 0 || failed > 0 {
		s.log.Info("refresh sweep complete",
			zap.Int("accounts", len(accounts)),
			zap.Int("refreshed", refreshed),
			zap.Int("failed", failed))
	}
	return refreshed, failed
}
