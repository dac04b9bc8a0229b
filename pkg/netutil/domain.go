package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opendx28/slicerhub/pkg/log"
)

// probeURL answers with the caller's public IP as plain text.
const probeURL = "https://ifconfig.me/ip"

// Prober returns the host's externally visible IP.
type Prober func(ctx context.Context) (string, error)

// PublicIP probes the internet-facing address of this host.
func PublicIP(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("public ip probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip probe returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("public ip probe failed: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// ResolveHost produces the externally visible host for generated links.
// In local mode this is domain:port straight from configuration. Otherwise
// the public IP is probed and matched against the configured authoritative
// IP; a mismatch or failed probe falls back to localhost so generated
// links stay usable from the box itself.
func ResolveHost(ctx context.Context, mode, domain, authoritativeIP string, port int, probe Prober) string {
	if mode == "local" {
		return fmt.Sprintf("%s:%d", domain, port)
	}

	if probe == nil {
		probe = PublicIP
	}
	logger := log.WithComponent("netutil")
	ip, err := probe(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Public IP probe failed, using localhost")
		return "localhost"
	}
	if ip == authoritativeIP {
		return domain
	}
	logger.Warn().
		Str("probed", ip).
		Msg("Public IP does not match the configured address, using localhost")
	return "localhost"
}

// BaseURL joins the scheme and resolved host.
func BaseURL(proto, host string) string {
	return proto + "://" + host
}
