package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/log"
	domain "github.com/opendx28/slicerhub/pkg/types"
)

const (
	// launchWait bounds how long StartContainer waits for running state.
	launchWait     = 90 * time.Second
	launchPollStep = 3 * time.Second

	// shmSize is required by the VNC-based application image.
	shmSize = 512 * 1024 * 1024

	// defaultServicePort is assumed when an image exposes no ports.
	defaultServicePort = 80

	sessionIDLabel = "slicerhub.session-id"
)

// DockerOrchestrator drives a single-host Docker daemon.
type DockerOrchestrator struct {
	cli         *client.Client
	sources     ImageSources
	composeFile string
	logger      zerolog.Logger
}

// NewDockerOrchestrator connects to the local daemon using the standard
// environment (DOCKER_HOST and friends).
func NewDockerOrchestrator(sources ImageSources, composeFile string) (*DockerOrchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerOrchestrator{
		cli:         cli,
		sources:     sources,
		composeFile: composeFile,
		logger:      log.WithComponent("orchestrator.docker"),
	}, nil
}

// NormalizeName maps a user identity to a daemon-safe name fragment.
// Docker names accept [a-zA-Z0-9_.-]; everything else becomes an underscore.
func (d *DockerOrchestrator) NormalizeName(user string) string {
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (d *DockerOrchestrator) ContainerName(user string) string {
	return domain.ContainerNamePrefix + d.NormalizeName(user)
}

func (d *DockerOrchestrator) ListManagedContainers(ctx context.Context, prefix string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, c := range list {
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				names = append(names, n)
				break
			}
		}
	}
	return names, nil
}

// EnsureNetwork resolves the named network, pruning duplicate empty
// networks the daemon may have accumulated. More than one non-empty
// network under the same name is unrecoverable ambiguity.
func (d *DockerOrchestrator) EnsureNetwork(ctx context.Context, name string) (string, error) {
	list, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}

	var empty, nonEmpty []string
	for _, n := range list {
		if n.Name != name {
			// the name filter is a substring match
			continue
		}
		inspected, err := d.cli.NetworkInspect(ctx, n.ID, network.InspectOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to inspect network %s: %w", n.ID, err)
		}
		if len(inspected.Containers) == 0 {
			empty = append(empty, n.ID)
		} else {
			nonEmpty = append(nonEmpty, n.ID)
		}
	}

	if len(empty)+len(nonEmpty) > 1 {
		for _, id := range empty {
			d.logger.Debug().Str("network", name).Str("id", id).Msg("Removing empty duplicate network")
			if err := d.cli.NetworkRemove(ctx, id); err != nil {
				return "", fmt.Errorf("failed to remove empty network %s: %w", id, err)
			}
		}
	} else if len(empty) == 1 {
		return empty[0], nil
	}

	switch len(nonEmpty) {
	case 0:
		created, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
			Driver:     "bridge",
			Attachable: true,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create network %s: %w", name, err)
		}
		d.logger.Info().Str("network", name).Str("id", created.ID).Msg("Network created")
		return created.ID, nil
	case 1:
		return nonEmpty[0], nil
	default:
		return "", fmt.Errorf("multiple non-empty networks named %s, refusing to guess", name)
	}
}

func (d *DockerOrchestrator) EnsureVolume(ctx context.Context, user, kind string) error {
	name := user + "_" + kind
	if _, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// EnsureImage makes name:tag available locally. Images with a configured
// build source are built from it (the base VNC image first, then the
// application image on top of it); everything else is pulled.
func (d *DockerOrchestrator) EnsureImage(ctx context.Context, name, tag string) error {
	ref := name + ":" + tag
	present, err := d.imagePresent(ctx, ref)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	switch {
	case name == d.sources.VNCBaseName && d.sources.VNCBaseDockerfile != "":
		return d.buildImage(ctx, ref, d.sources.VNCBaseDockerfile, nil)
	case name == d.sources.SlicerName && d.sources.SlicerDockerfile != "":
		baseRef := d.sources.VNCBaseName + ":" + tag
		if err := d.EnsureImage(ctx, d.sources.VNCBaseName, tag); err != nil {
			return fmt.Errorf("failed to ensure base image %s: %w", baseRef, err)
		}
		return d.buildImage(ctx, ref, d.sources.SlicerDockerfile, map[string]*string{
			"BASE_IMAGE": &baseRef,
		})
	default:
		return d.pullImage(ctx, ref)
	}
}

func (d *DockerOrchestrator) imagePresent(ctx context.Context, ref string) (bool, error) {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(list) > 0, nil
}

func (d *DockerOrchestrator) pullImage(ctx context.Context, ref string) error {
	d.logger.Info().Str("image", ref).Msg("Pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerOrchestrator) buildImage(ctx context.Context, ref, dockerfile string, args map[string]*string) error {
	dir := filepath.Dir(dockerfile)
	d.logger.Info().Str("image", ref).Str("context", dir).Msg("Building image")

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to tar build context %s: %w", dir, err)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: filepath.Base(dockerfile),
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	return nil
}

// StartContainer brings the named container to running state: reuses a
// stopped container of the same name, creates one otherwise, then waits
// until it reports running. The GPU request is retried without GPU when
// the daemon declines it.
func (d *DockerOrchestrator) StartContainer(ctx context.Context, spec domain.LaunchSpec) error {
	inspected, err := d.cli.ContainerInspect(ctx, spec.Name)
	switch {
	case err == nil && inspected.State != nil && inspected.State.Running:
		return nil
	case err == nil:
		if err := d.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
		}
	case client.IsErrNotFound(err):
		if err := d.createAndStart(ctx, spec, spec.GPU); err != nil {
			if !spec.GPU {
				return err
			}
			d.logger.Warn().Err(err).Str("container", spec.Name).Msg("GPU launch declined, retrying without GPU")
			d.removeIfPresent(ctx, spec.Name)
			if err := d.createAndStart(ctx, spec, false); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("failed to inspect container %s: %w", spec.Name, err)
	}

	return d.waitRunning(ctx, spec.Name)
}

func (d *DockerOrchestrator) createAndStart(ctx context.Context, spec domain.LaunchSpec, gpu bool) error {
	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		binds = append(binds, v.Volume+":"+v.MountPath)
	}

	hostCfg := &container.HostConfig{
		Binds:   binds,
		ShmSize: shmSize,
	}
	if gpu {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	_, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.ImageRef(),
			// auth happens upstream at the hub
			Env:    []string{"VNC_DISABLE_AUTH=true"},
			User:   "root",
			Labels: map[string]string{sessionIDLabel: spec.SessionID},
		},
		hostCfg,
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		},
		nil,
		spec.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return nil
}

func (d *DockerOrchestrator) removeIfPresent(ctx context.Context, name string) {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		d.logger.Warn().Err(err).Str("container", name).Msg("Failed to remove container")
	}
}

func (d *DockerOrchestrator) waitRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(launchWait)
	for {
		inspected, err := d.cli.ContainerInspect(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", name, err)
		}
		if inspected.State != nil {
			switch inspected.State.Status {
			case "running":
				return nil
			case "exited", "dead":
				return fmt.Errorf("container %s exited during launch: %w", name, ErrLaunchFailed)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s did not reach running within %s: %w", name, launchWait, ErrLaunchFailed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(launchPollStep):
		}
	}
}

func (d *DockerOrchestrator) StopContainer(ctx context.Context, name string) (domain.StopResult, error) {
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{})
	switch {
	case err == nil:
		return domain.StopStopped, nil
	case client.IsErrNotFound(err):
		return domain.StopAbsent, nil
	default:
		return domain.StopFailed, fmt.Errorf("failed to stop container %s: %w", name, err)
	}
}

func (d *DockerOrchestrator) RemoveContainer(ctx context.Context, name string) (domain.RemoveResult, error) {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		return domain.RemoveRemoved, nil
	case client.IsErrNotFound(err):
		return domain.RemoveAbsent, nil
	default:
		return domain.RemoveFailed, fmt.Errorf("failed to remove container %s: %w", name, err)
	}
}

func (d *DockerOrchestrator) ContainerStatus(ctx context.Context, name string) (domain.ContainerStatus, error) {
	inspected, err := d.cli.ContainerInspect(ctx, name)
	switch {
	case client.IsErrNotFound(err):
		return domain.StatusAbsent, nil
	case err != nil:
		return domain.StatusOther, fmt.Errorf("failed to inspect container %s: %w", name, err)
	case inspected.State == nil:
		return domain.StatusOther, nil
	}

	switch inspected.State.Status {
	case "running":
		return domain.StatusRunning, nil
	case "exited", "dead":
		return domain.StatusExited, nil
	default:
		return domain.StatusOther, nil
	}
}

// ContainerActivity reports the instantaneous CPU percentage, -1 when the
// container is absent or not running.
func (d *DockerOrchestrator) ContainerActivity(ctx context.Context, name string) (float64, error) {
	resp, err := d.cli.ContainerStats(ctx, name, false)
	if client.IsErrNotFound(err) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stats for %s: %w", name, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode stats for %s: %w", name, err)
	}
	return cpuPercent(stats), nil
}

// cpuPercent applies the daemon's CPU accounting: the container's share of
// the system delta, scaled by online cpus.
func cpuPercent(s container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return (cpuDelta / sysDelta) * online * 100.0
}

// ContainerAddress returns ip:port of the container on the given network.
// The port is the lowest TCP port the image exposes, 80 when none.
func (d *DockerOrchestrator) ContainerAddress(ctx context.Context, name, netName string) (string, error) {
	inspected, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	if inspected.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", name)
	}
	ep, ok := inspected.NetworkSettings.Networks[netName]
	if !ok || ep.IPAddress == "" {
		return "", fmt.Errorf("container %s has no address on network %s", name, netName)
	}

	port := defaultServicePort
	if inspected.Config != nil {
		port = lowestTCPPort(inspected.Config.ExposedPorts, port)
	}
	return fmt.Sprintf("%s:%d", ep.IPAddress, port), nil
}

func lowestTCPPort(exposed nat.PortSet, fallback int) int {
	lowest := 0
	for p := range exposed {
		if p.Proto() != "tcp" {
			continue
		}
		if lowest == 0 || p.Int() < lowest {
			lowest = p.Int()
		}
	}
	if lowest == 0 {
		return fallback
	}
	return lowest
}

// ExecInProxy runs cmd inside the named proxy container.
func (d *DockerOrchestrator) ExecInProxy(ctx context.Context, name string, cmd []string) (string, error) {
	inspected, err := d.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return "", ErrProxyUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect proxy container %s: %w", name, err)
	}
	if inspected.State == nil || !inspected.State.Running {
		return "", ErrProxyUnavailable
	}

	created, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return "", fmt.Errorf("failed to read exec output from %s: %w", name, err)
	}

	info, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}
	if info.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("command %v in %s exited with %d: %s",
			cmd, name, info.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// BringUpBase starts the proxy and directory-service stack with compose.
func (d *DockerOrchestrator) BringUpBase(ctx context.Context) error {
	args := []string{"compose"}
	if d.composeFile != "" {
		args = append(args, "-f", d.composeFile)
	}
	args = append(args, "up", "-d")

	d.logger.Info().Strs("args", args).Msg("Bringing up base services")
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose up failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
