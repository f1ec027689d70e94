package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"postify/internal/storage"
	"postify/internal/transport"
	logx "postify/pkg/logx"
)

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Evicted  []string `json:"evicted,omitempty"`
	Released []string `json:"released,omitempty"`
	Opened   []string `json:"opened,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// Reconcile brings the registry in line with the credential store: unhealthy
// connections are evicted, active or errored tenants without a connection
// are opened (staggered, with bounded fan-out) and connections of tenants
// that are no longer wanted are released.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		return rep, fmt.Errorf("list tenants: %w", err)
	}
	desired := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		// An errored tenant is retried once its cooldown ends.
		if t.Status == storage.TenantActive || t.Status == storage.TenantError {
			desired[t.ID] = true
		}
	}

	cfg := s.config()
	now := s.now()
	evicted := map[string]transport.Conn{}

	s.mu.Lock()
	for id, e := range s.running {
		if !e.conn.Healthy() {
			evicted[id] = s.evictLocked(id)
			continue
		}
		if !desired[id] {
			rep.Released = append(rep.Released, id)
		}
	}
	var toOpen []string
	for id := range desired {
		if s.running[id] != nil || s.pending[id] != nil {
			continue
		}
		if cd, ok := s.cooldowns[id]; ok && now.Before(cd.Until) {
			continue
		}
		toOpen = append(toOpen, id)
	}
	s.mu.Unlock()

	for id, conn := range evicted {
		rep.Evicted = append(rep.Evicted, id)
		s.closeConn(id, conn, "unhealthy")
	}
	for _, id := range rep.Released {
		s.Release(ctx, id)
	}

	sort.Strings(toOpen)
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.Stagger > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.Stagger), 1)
	}
	results := make([]error, len(toOpen))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ReconcileConcurrency)
	for i, id := range toOpen {
		if err := lim.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			_, err := s.Acquire(gctx, id)
			results[i] = err
			var ce *Error
			if err != nil && !errors.As(err, &ce) && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	werr := g.Wait()

	for i, id := range toOpen {
		if results[i] != nil {
			rep.Failed = append(rep.Failed, id)
		} else if s.isRunning(id) {
			rep.Opened = append(rep.Opened, id)
		}
	}
	sort.Strings(rep.Evicted)
	s.log.Debug("reconcile done",
		logx.Int("evicted", len(rep.Evicted)), logx.Int("released", len(rep.Released)),
		logx.Int("opened", len(rep.Opened)), logx.Int("failed", len(rep.Failed)))
	return rep, werr
}

func (s *Supervisor) isRunning(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[tenantID] != nil
}

// WarmLoad runs the first reconcile at process start and returns once every
// active tenant has had one open attempt.
func (s *Supervisor) WarmLoad(ctx context.Context) error {
	start := time.Now()
	rep, err := s.Reconcile(ctx)
	s.log.Info("connections warm-loaded",
		logx.Int("opened", len(rep.Opened)), logx.Int("failed", len(rep.Failed)),
		logx.Duration("took", time.Since(start)))
	return err
}
