package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opendx28/slicerhub/pkg/auth"
	"github.com/opendx28/slicerhub/pkg/config"
	"github.com/opendx28/slicerhub/pkg/hub"
	"github.com/opendx28/slicerhub/pkg/log"
	"github.com/opendx28/slicerhub/pkg/netutil"
	"github.com/opendx28/slicerhub/pkg/orchestrator"
	"github.com/opendx28/slicerhub/pkg/proxy"
	"github.com/opendx28/slicerhub/pkg/reaper"
	"github.com/opendx28/slicerhub/pkg/store"
	"github.com/opendx28/slicerhub/pkg/volumes"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session hub",
	Long: `Start the hub: open the session store, connect to the container
backend, bring up the proxy and directory base services, reconcile any
sessions surviving a restart, and serve the HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewBoltStore(cfg.DBConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}

	vols, err := volumes.Load(cfg.VolumeKindsFile)
	if err != nil {
		return err
	}

	creds, err := auth.NewLDAPCredentials(cfg.LDAPAddress(), cfg.LDAPBaseDN,
		cfg.FallbackUserPat, cfg.FallbackPassword)
	if err != nil {
		return err
	}

	// Base services first, so the proxy exists before anything routes.
	if err := orch.BringUpBase(ctx); err != nil {
		logger.Warn().Err(err).Msg("Base services not up yet, proxy reloads will retry")
	}
	if _, err := orch.EnsureNetwork(ctx, cfg.NetworkName); err != nil {
		return fmt.Errorf("failed to ensure network: %w", err)
	}
	if err := orch.EnsureImage(ctx, cfg.SlicerImageName, cfg.SlicerImageTag); err != nil {
		logger.Warn().Err(err).Msg("Image not available yet, first login will retry")
	}

	host := netutil.ResolveHost(ctx, cfg.Mode, cfg.Domain, cfg.IP, cfg.Port, nil)
	baseURL := netutil.BaseURL(cfg.Proto, host)
	logger.Info().Str("base_url", baseURL).Msg("Resolved external address")

	hubAddress := cfg.TDSlicerHubName
	if hubAddress == "" {
		hubAddress = host
	} else {
		hubAddress = fmt.Sprintf("%s:%d", hubAddress, cfg.Port)
	}
	rec := proxy.NewReconciler(cfg.NginxConfigFile, cfg.NginxName, hubAddress, orch)

	h := hub.New(st, orch, rec, creds, vols, cfg, baseURL)
	server := hub.NewServer(h)

	rp := reaper.New(st, orch, rec, h, cfg.InactivityTime, cfg.ActivityThreshold)
	rp.OnPass = func() {
		if err := h.PersistIndex(cfg.IndexPath); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist index page")
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		return rp.Run(ctx)
	})

	logger.Info().Str("addr", cfg.HTTPAddr).Str("orchestrator", string(cfg.Orchestrator)).Msg("SlicerHub started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("SlicerHub stopped")
	return nil
}
