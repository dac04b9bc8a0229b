package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/log"
	"github.com/opendx28/slicerhub/pkg/metrics"
	"github.com/opendx28/slicerhub/pkg/orchestrator"
	"github.com/opendx28/slicerhub/pkg/types"
)

const (
	reloadAttempts = 10
	reloadBackoff  = 2 * time.Second
)

// configTemplate is the complete proxy configuration. The root location
// forwards to the hub itself; every routable session contributes a path
// location and a websocket location.
const configTemplate = `user  nginx;
worker_processes  auto;

error_log  /var/log/nginx/error.log notice;
pid        /var/run/nginx.pid;

events {
    worker_connections  1024;
}

http {
    client_max_body_size 100M;

    server {
        listen 80;

        location / {
            proxy_pass http://{{.HubAddress}};
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        }
{{range .Routes}}
        location /{{.ID}}/ {
            proxy_pass http://{{.Address}}/;
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        }

        location /{{.ID}}-ws {
            proxy_pass http://{{.Address}}/websockify;
            proxy_http_version 1.1;
            proxy_set_header Upgrade $http_upgrade;
            proxy_set_header Connection "upgrade";
            proxy_set_header Host $host;
            proxy_read_timeout 86400;
        }
{{end}}    }
}
`

var tmpl = template.Must(template.New("nginx").Parse(configTemplate))

// Commander is the orchestrator subset the reconciler needs to command
// the proxy process.
type Commander interface {
	ExecInProxy(ctx context.Context, name string, cmd []string) (string, error)
	BringUpBase(ctx context.Context) error
}

type route struct {
	ID      string
	Address string
}

type templateData struct {
	HubAddress string
	Routes     []route
}

// Reconciler regenerates the proxy configuration from the session set and
// commands the proxy to reload it. Writes are serialized by a mutex and
// applied atomically via rename, so the proxy never reads a half-written
// file.
type Reconciler struct {
	mu         sync.Mutex
	configPath string
	proxyName  string
	hubAddress string
	commander  Commander
	logger     zerolog.Logger
}

// NewReconciler builds a reconciler writing to configPath and commanding
// the proxy container proxyName. hubAddress is where the root location
// forwards to.
func NewReconciler(configPath, proxyName, hubAddress string, commander Commander) *Reconciler {
	return &Reconciler{
		configPath: configPath,
		proxyName:  proxyName,
		hubAddress: hubAddress,
		commander:  commander,
		logger:     log.WithComponent("proxy"),
	}
}

// Render produces the full configuration for the given sessions. Only
// routable sessions contribute location blocks; sessions are ordered by
// id so identical sets render to identical bytes.
func (r *Reconciler) Render(sessions []types.Session) ([]byte, error) {
	routes := make([]route, 0, len(sessions))
	for _, s := range sessions {
		if !s.Routable() {
			continue
		}
		routes = append(routes, route{ID: s.ID, Address: s.ServiceAddress})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{HubAddress: r.hubAddress, Routes: routes}); err != nil {
		return nil, fmt.Errorf("failed to render proxy config: %w", err)
	}
	return buf.Bytes(), nil
}

// Reconcile writes the configuration for the given sessions and reloads
// the proxy.
func (r *Reconciler) Reconcile(ctx context.Context, sessions []types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rendered, err := r.Render(sessions)
	if err != nil {
		return err
	}
	if err := r.writeAtomic(rendered); err != nil {
		return err
	}
	return r.reload(ctx)
}

// writeAtomic replaces the config file via a temp file in the same
// directory, so readers only ever see a complete config.
func (r *Reconciler) writeAtomic(data []byte) error {
	dir := filepath.Dir(r.configPath)
	tmpFile, err := os.CreateTemp(dir, ".nginx-conf-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, r.configPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace proxy config: %w", err)
	}
	return nil
}

// reload commands the proxy to re-read its configuration, bounded to a
// handful of attempts. An absent proxy triggers a base-services bring-up
// before the next attempt.
func (r *Reconciler) reload(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= reloadAttempts; attempt++ {
		_, err := r.commander.ExecInProxy(ctx, r.proxyName, []string{"nginx", "-s", "reload"})
		if err == nil {
			metrics.ProxyReloadsTotal.Inc()
			return nil
		}
		lastErr = err

		if errors.Is(err, orchestrator.ErrProxyUnavailable) {
			r.logger.Warn().Int("attempt", attempt).Msg("Proxy unavailable, bringing up base services")
			if upErr := r.commander.BringUpBase(ctx); upErr != nil {
				r.logger.Error().Err(upErr).Msg("Failed to bring up base services")
			}
		} else {
			r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Proxy reload failed")
		}

		select {
		case <-ctx.Done():
			metrics.ProxyReloadFailures.Inc()
			return ctx.Err()
		case <-time.After(reloadBackoff):
		}
	}

	metrics.ProxyReloadFailures.Inc()
	return fmt.Errorf("proxy reload failed after %d attempts: %w", reloadAttempts, lastErr)
}
