package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/log"
	"github.com/opendx28/slicerhub/pkg/metrics"
	"github.com/opendx28/slicerhub/pkg/orchestrator"
	"github.com/opendx28/slicerhub/pkg/proxy"
	"github.com/opendx28/slicerhub/pkg/store"
	"github.com/opendx28/slicerhub/pkg/types"
)

// defaultInterval is the steady-state pass period.
const defaultInterval = 60 * time.Second

// Relauncher restarts the container of an existing session. The hub
// provides the implementation.
type Relauncher interface {
	Relaunch(ctx context.Context, session *types.Session) error
}

// Reaper reconciles the session table with the live container set: once
// at startup, then on a fixed interval. It is the only component that
// retires sessions for idleness.
type Reaper struct {
	store      store.Store
	orch       orchestrator.Orchestrator
	proxy      *proxy.Reconciler
	relauncher Relauncher

	inactivity time.Duration
	threshold  float64
	interval   time.Duration

	// OnPass, when set, runs after every completed pass. The hub uses it
	// to persist the admin landing page.
	OnPass func()

	stopCh chan struct{}
	logger zerolog.Logger
}

// New builds a reaper with the configured idle timeout and activity
// threshold.
func New(st store.Store, orch orchestrator.Orchestrator, rec *proxy.Reconciler,
	relauncher Relauncher, inactivity time.Duration, threshold float64) *Reaper {
	return &Reaper{
		store:      st,
		orch:       orch,
		proxy:      rec,
		relauncher: relauncher,
		inactivity: inactivity,
		threshold:  threshold,
		interval:   defaultInterval,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("reaper"),
	}
}

// Run performs the startup reconciliation, then loops until the context
// is canceled or Stop is called.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.StartupReconcile(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Startup reconciliation failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Stop terminates the loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

// StartupReconcile aligns the session table with whatever containers
// survived the previous process: sessions flagged restart are re-attached
// or relaunched, everything else is torn down, and containers without a
// session are reclaimed.
func (r *Reaper) StartupReconcile(ctx context.Context) error {
	managed, err := r.orch.ListManagedContainers(ctx, types.ContainerNamePrefix)
	if err != nil {
		return err
	}
	orphans := make(map[string]bool, len(managed))
	for _, name := range managed {
		orphans[name] = true
	}

	sessions, err := r.store.ListSessions()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, s := range sessions {
		name := r.containerName(s)
		activity, err := r.orch.ContainerActivity(ctx, name)
		if err != nil {
			r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Activity probe failed, keeping session")
			delete(orphans, name)
			continue
		}

		switch {
		case activity < 0 && s.Restart:
			r.logger.Info().Str("session_id", s.ID).Str("user", s.User).Msg("Relaunching flagged session")
			if err := r.relauncher.Relaunch(ctx, s); err != nil {
				r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Relaunch failed, retiring session")
				r.retire(ctx, s, "relaunch_failed")
				continue
			}
			s.LastActivity = now
			s.Info.CPUPct = r.threshold + 1
			if err := r.store.UpdateSession(s); err != nil {
				r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to refresh relaunched session")
			}
			delete(orphans, name)

		case activity < 0:
			// container gone and nobody asked to keep it
			if err := r.store.DeleteSession(s.ID); err != nil {
				r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to delete stale session")
				continue
			}
			metrics.SessionsRetiredTotal.WithLabelValues("startup_stale").Inc()

		case s.Restart:
			s.LastActivity = now
			s.Info.CPUPct = r.threshold + 1
			if err := r.store.UpdateSession(s); err != nil {
				r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to re-associate session")
			}
			delete(orphans, name)

		default:
			r.retire(ctx, s, "startup")
			delete(orphans, name)
		}
	}

	r.reconcileProxy(ctx)

	for name := range orphans {
		r.logger.Info().Str("container", name).Msg("Reclaiming orphan container")
		if _, err := r.orch.StopContainer(ctx, name); err != nil {
			r.logger.Warn().Err(err).Str("container", name).Msg("Failed to stop orphan")
		}
		if _, err := r.orch.RemoveContainer(ctx, name); err != nil {
			r.logger.Warn().Err(err).Str("container", name).Msg("Failed to remove orphan")
		}
	}

	r.refreshActiveGauge()
	if r.OnPass != nil {
		r.OnPass()
	}
	return nil
}

// Pass samples every session's activity and retires the idle ones.
func (r *Reaper) Pass(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ReaperCyclesTotal.Inc()
		timer.ObserveDuration(metrics.ReaperCycleDuration)
		if r.OnPass != nil {
			r.OnPass()
		}
	}()

	sessions, err := r.store.ListSessions()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list sessions")
		return
	}

	now := time.Now().UTC()
	retired := false
	for _, s := range sessions {
		name := r.containerName(s)
		activity, err := r.orch.ContainerActivity(ctx, name)
		if err != nil {
			r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Activity probe failed")
			continue
		}

		if activity < 0 {
			if s.Restart {
				if err := r.relauncher.Relaunch(ctx, s); err != nil {
					r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Relaunch failed")
					continue
				}
				s.LastActivity = now
				s.Info.CPUPct = r.threshold + 1
				if err := r.store.UpdateSession(s); err != nil {
					r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to refresh relaunched session")
				}
				retired = true // address may have changed, reconcile
				continue
			}
			r.logger.Info().Str("session_id", s.ID).Str("user", s.User).Msg("Container vanished, retiring session")
			r.retire(ctx, s, "container_absent")
			retired = true
			continue
		}

		s.Info.CPUPct = activity
		if activity > r.threshold {
			s.LastActivity = now
		} else if now.Sub(s.LastActivity) > r.inactivity {
			r.logger.Info().
				Str("session_id", s.ID).
				Str("user", s.User).
				Time("last_activity", s.LastActivity).
				Msg("Session idle beyond timeout, retiring")
			r.retire(ctx, s, "idle")
			retired = true
			continue
		}
		if err := r.store.UpdateSession(s); err != nil {
			r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to update session activity")
		}
	}

	if retired {
		r.reconcileProxy(ctx)
	}
	r.refreshActiveGauge()
}

// retire tears a session down: container stopped and removed, row deleted.
func (r *Reaper) retire(ctx context.Context, s *types.Session, reason string) {
	name := r.containerName(s)
	if _, err := r.orch.StopContainer(ctx, name); err != nil {
		r.logger.Warn().Err(err).Str("container", name).Msg("Failed to stop container")
	}
	if _, err := r.orch.RemoveContainer(ctx, name); err != nil {
		r.logger.Warn().Err(err).Str("container", name).Msg("Failed to remove container")
	}
	if err := r.store.DeleteSession(s.ID); err != nil {
		r.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to delete session")
		return
	}
	metrics.SessionsRetiredTotal.WithLabelValues(reason).Inc()
}

func (r *Reaper) containerName(s *types.Session) string {
	if s.ContainerName != "" {
		return s.ContainerName
	}
	return r.orch.ContainerName(s.User)
}

func (r *Reaper) reconcileProxy(ctx context.Context) {
	sessions, err := r.store.ListSessions()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list sessions for proxy reconciliation")
		return
	}
	plain := make([]types.Session, 0, len(sessions))
	for _, s := range sessions {
		plain = append(plain, *s)
	}
	if err := r.proxy.Reconcile(ctx, plain); err != nil {
		r.logger.Warn().Err(err).Msg("Proxy reconciliation failed, will retry next pass")
	}
}

func (r *Reaper) refreshActiveGauge() {
	sessions, err := r.store.ListSessions()
	if err != nil {
		return
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
}
