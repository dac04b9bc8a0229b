package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/opendx28/slicerhub/pkg/config"
	"github.com/opendx28/slicerhub/pkg/types"
)

var (
	// ErrLaunchFailed is returned when a container reached exited or never
	// reached running within the launch wait budget.
	ErrLaunchFailed = errors.New("container launch failed")

	// ErrProxyUnavailable is returned by ExecInProxy when the proxy
	// container is not up yet. Callers react by bringing up the base
	// services and retrying.
	ErrProxyUnavailable = errors.New("proxy container unavailable")
)

// ImageSources describes where locally managed images are built from.
// Images without a matching build source are pulled from the registry.
type ImageSources struct {
	// SlicerName and SlicerDockerfile identify the application image and
	// its build context.
	SlicerName       string
	SlicerDockerfile string
	// VNCBaseName and VNCBaseDockerfile describe the base VNC image the
	// application image builds on.
	VNCBaseName       string
	VNCBaseDockerfile string
}

// Orchestrator is the capability set both container backends implement.
// All calls may block on backend I/O and honor context cancellation.
type Orchestrator interface {
	// NormalizeName maps a user identity to a backend-safe name fragment.
	// Deterministic and idempotent.
	NormalizeName(user string) string

	// ContainerName derives the managed container name for a user.
	ContainerName(user string) string

	// ListManagedContainers returns every container whose name starts
	// with prefix. The reaper uses it to find orphans.
	ListManagedContainers(ctx context.Context, prefix string) ([]string, error)

	// EnsureNetwork idempotently provides the named network and returns
	// its backend identifier.
	EnsureNetwork(ctx context.Context, name string) (string, error)

	// EnsureVolume idempotently creates the {user}_{kind} volume.
	EnsureVolume(ctx context.Context, user, kind string) error

	// EnsureImage idempotently makes name:tag available, pulling from the
	// registry or building locally managed images from source.
	EnsureImage(ctx context.Context, name, tag string) error

	// StartContainer launches one container and waits, up to a bounded
	// time, until it reports running. Returns ErrLaunchFailed when the
	// container exits or the wait budget runs out. The GPU request is
	// advisory; a declined request still yields a running container.
	StartContainer(ctx context.Context, spec types.LaunchSpec) error

	StopContainer(ctx context.Context, name string) (types.StopResult, error)
	RemoveContainer(ctx context.Context, name string) (types.RemoveResult, error)
	ContainerStatus(ctx context.Context, name string) (types.ContainerStatus, error)

	// ContainerActivity returns the instantaneous CPU percentage, or -1
	// when the container is absent. Higher means busier; the scale is
	// backend-defined ([0, N*100] for N cpus).
	ContainerActivity(ctx context.Context, name string) (float64, error)

	// ContainerAddress returns a host:port for the container reachable by
	// the proxy on the given network.
	ContainerAddress(ctx context.Context, name, network string) (string, error)

	// ExecInProxy runs cmd inside the proxy container and returns its
	// output. Returns ErrProxyUnavailable when the proxy is not up.
	ExecInProxy(ctx context.Context, name string, cmd []string) (string, error)

	// BringUpBase idempotently ensures the proxy and directory-service
	// base services are running.
	BringUpBase(ctx context.Context) error
}

// New builds the orchestrator backend selected by the configuration.
func New(cfg *config.Config) (Orchestrator, error) {
	sources := ImageSources{
		SlicerName:        cfg.SlicerImageName,
		SlicerDockerfile:  cfg.SlicerImageDockerfile,
		VNCBaseName:       cfg.VNCBaseImageName,
		VNCBaseDockerfile: cfg.VNCBaseImageDockerfile,
	}

	switch cfg.Orchestrator {
	case config.OrchestratorDocker:
		return NewDockerOrchestrator(sources, cfg.ComposeFile)
	case config.OrchestratorKubernetes:
		return NewKubernetesOrchestrator(cfg.Kubeconfig, cfg.KubeNamespace, cfg.NFSBasePath, cfg.NginxName)
	default:
		return nil, fmt.Errorf("orchestrator %q not implemented", cfg.Orchestrator)
	}
}
