package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/auth"
	"github.com/opendx28/slicerhub/pkg/config"
	"github.com/opendx28/slicerhub/pkg/log"
	"github.com/opendx28/slicerhub/pkg/metrics"
	"github.com/opendx28/slicerhub/pkg/orchestrator"
	"github.com/opendx28/slicerhub/pkg/proxy"
	"github.com/opendx28/slicerhub/pkg/store"
	"github.com/opendx28/slicerhub/pkg/types"
	"github.com/opendx28/slicerhub/pkg/volumes"
)

// ErrCapacityExceeded is returned when the live session count has reached
// the configured maximum.
var ErrCapacityExceeded = store.ErrCapacityExceeded

// Hub owns the session lifecycle: one user, one session, one container.
// It is constructed once at startup and shared by the HTTP server and the
// reaper.
type Hub struct {
	store   store.Store
	orch    orchestrator.Orchestrator
	proxy   *proxy.Reconciler
	creds   auth.Credentials
	vols    *volumes.Set
	cfg     *config.Config
	baseURL string
	logger  zerolog.Logger
}

// New wires the hub together.
func New(st store.Store, orch orchestrator.Orchestrator, rec *proxy.Reconciler,
	creds auth.Credentials, vols *volumes.Set, cfg *config.Config, baseURL string) *Hub {
	return &Hub{
		store:   st,
		orch:    orch,
		proxy:   rec,
		creds:   creds,
		vols:    vols,
		cfg:     cfg,
		baseURL: baseURL,
		logger:  log.WithComponent("hub"),
	}
}

// Store exposes the session table to collaborators (reaper, server).
func (h *Hub) Store() store.Store { return h.store }

// BaseURL is the externally visible base URL for generated links.
func (h *Hub) BaseURL() string { return h.baseURL }

// EnsureSession returns the user's session, creating it and launching its
// container when none exists. The second return reports whether a new
// session was created. A concurrent create for the same user resolves to
// the surviving row.
func (h *Hub) EnsureSession(ctx context.Context, user string) (*types.Session, bool, error) {
	if existing, err := h.store.GetSessionByUser(user); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to look up session for user: %w", err)
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:           uuid.New().String(),
		User:         user,
		CreatedAt:    now,
		LastActivity: now,
		GPU:          types.GPUFromUser(user),
	}
	session.URLPath = "/" + session.ID + "/"

	// The capacity check rides in the same store transaction as the
	// insert, so concurrent logins cannot overshoot the cap.
	maxSessions := h.cfg.MaxSessions
	if h.cfg.Unlimited() {
		maxSessions = 0
	}
	if err := h.store.CreateSession(session, maxSessions); err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			// lost the race, the winner's row is authoritative
			existing, getErr := h.store.GetSessionByUser(user)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to resolve session conflict: %w", getErr)
			}
			return existing, false, nil
		}
		if errors.Is(err, store.ErrCapacityExceeded) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	// A client disconnect must not abandon a half-launched container.
	launchCtx := context.WithoutCancel(ctx)
	if err := h.launch(launchCtx, session); err != nil {
		h.rollback(launchCtx, session)
		return nil, false, err
	}

	metrics.SessionsCreatedTotal.Inc()
	h.refreshActiveGauge()
	h.reconcileProxy(launchCtx)

	h.logger.Info().
		Str("session_id", session.ID).
		Str("user", user).
		Bool("gpu", session.GPU).
		Msg("Session created")
	return session, true, nil
}

// launch brings up the session's container and records its address.
func (h *Hub) launch(ctx context.Context, session *types.Session) error {
	timer := metrics.NewTimer()

	if err := h.orch.EnsureImage(ctx, h.cfg.SlicerImageName, h.cfg.SlicerImageTag); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}

	normUser := h.orch.NormalizeName(session.User)
	if err := h.vols.EnsureAll(ctx, h.orch, normUser); err != nil {
		return err
	}

	name := h.orch.ContainerName(session.User)
	spec := types.LaunchSpec{
		Name:      name,
		Image:     h.cfg.SlicerImageName,
		Tag:       h.cfg.SlicerImageTag,
		Network:   h.cfg.NetworkName,
		Volumes:   h.vols.Bindings(normUser),
		SessionID: session.ID,
		GPU:       session.GPU,
	}
	if err := h.orch.StartContainer(ctx, spec); err != nil {
		metrics.ContainerLaunchFailures.Inc()
		return fmt.Errorf("failed to launch container for %s: %w", session.User, err)
	}

	addr, err := h.orch.ContainerAddress(ctx, name, h.cfg.NetworkName)
	if err != nil {
		return fmt.Errorf("failed to resolve container address for %s: %w", session.User, err)
	}

	session.ContainerName = name
	session.ServiceAddress = addr
	if err := h.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to record container for session %s: %w", session.ID, err)
	}

	timer.ObserveDuration(metrics.ContainerLaunchDuration)
	return nil
}

// Relaunch brings up the container for an existing session again and
// refreshes its recorded address. Used by the reaper for sessions flagged
// to survive a hub restart.
func (h *Hub) Relaunch(ctx context.Context, session *types.Session) error {
	return h.launch(ctx, session)
}

// rollback undoes a failed launch: the container (if any) is stopped and
// removed, and the session row is deleted.
func (h *Hub) rollback(ctx context.Context, session *types.Session) {
	name := h.orch.ContainerName(session.User)
	if _, err := h.orch.StopContainer(ctx, name); err != nil {
		h.logger.Warn().Err(err).Str("container", name).Msg("Rollback stop failed")
	}
	if _, err := h.orch.RemoveContainer(ctx, name); err != nil {
		h.logger.Warn().Err(err).Str("container", name).Msg("Rollback remove failed")
	}
	if err := h.store.DeleteSession(session.ID); err != nil {
		h.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Rollback delete failed")
	}
}

// SetShared toggles the session's shared flag. Interactive sharing grants
// visitors control of the desktop; non-interactive sharing is view-only.
func (h *Hub) SetShared(ctx context.Context, id string, shared, interactive bool) (*types.Session, error) {
	session, err := h.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	session.Info.Shared = shared
	session.Info.Interactive = shared && interactive
	if err := h.store.UpdateSession(session); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return session, nil
}

// Close retires a session: its container is stopped and removed, the row
// deleted, and the proxy reconciled.
func (h *Hub) Close(ctx context.Context, id string) error {
	session, err := h.store.GetSession(id)
	if err != nil {
		return err
	}

	name := session.ContainerName
	if name == "" {
		name = h.orch.ContainerName(session.User)
	}
	if _, err := h.orch.StopContainer(ctx, name); err != nil {
		h.logger.Warn().Err(err).Str("container", name).Msg("Stop on close failed")
	}
	if _, err := h.orch.RemoveContainer(ctx, name); err != nil {
		h.logger.Warn().Err(err).Str("container", name).Msg("Remove on close failed")
	}

	if err := h.store.DeleteSession(id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	metrics.SessionsRetiredTotal.WithLabelValues("closed").Inc()
	h.refreshActiveGauge()
	h.reconcileProxy(ctx)

	h.logger.Info().Str("session_id", id).Str("user", session.User).Msg("Session closed")
	return nil
}

// reconcileProxy regenerates the proxy config from the current session
// set. Best-effort: the reaper re-attempts on its next pass.
func (h *Hub) reconcileProxy(ctx context.Context) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sessions for proxy reconciliation")
		return
	}
	if err := h.proxy.Reconcile(ctx, deref(sessions)); err != nil {
		h.logger.Warn().Err(err).Msg("Proxy reconciliation failed")
	}
}

func (h *Hub) refreshActiveGauge() {
	sessions, err := h.store.ListSessions()
	if err != nil {
		return
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
}

func deref(sessions []*types.Session) []types.Session {
	out := make([]types.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	return out
}
