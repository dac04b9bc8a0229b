package orchestrator

import (
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"

	domain "github.com/opendx28/slicerhub/pkg/types"
)

// TestDockerNormalizeName tests daemon-safe name derivation
func TestDockerNormalizeName(t *testing.T) {
	d := &DockerOrchestrator{}

	tests := []struct {
		name string
		user string
		want string
	}{
		{name: "plain", user: "free_user1", want: "free_user1"},
		{name: "gpu suffix kept", user: "alice_gpu", want: "alice_gpu"},
		{name: "spaces replaced", user: "a b", want: "a_b"},
		{name: "unicode replaced", user: "josé", want: "jos_"},
		{name: "case preserved", user: "Alice.B-2", want: "Alice.B-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.NormalizeName(tt.user)
			assert.Equal(t, tt.want, got)
			// idempotent
			assert.Equal(t, got, d.NormalizeName(got))
		})
	}
}

// TestDockerContainerName tests the managed-name prefix
func TestDockerContainerName(t *testing.T) {
	d := &DockerOrchestrator{}

	name := d.ContainerName("free_user1")
	assert.Equal(t, domain.ContainerNamePrefix+"free_user1", name)
	assert.True(t, strings.HasPrefix(name, domain.ContainerNamePrefix))
}

// TestKubernetesNormalizeName tests DNS-1123 safe name derivation
func TestKubernetesNormalizeName(t *testing.T) {
	k := &KubernetesOrchestrator{}

	tests := []struct {
		name string
		user string
		want string
	}{
		{name: "underscores become hyphens", user: "free_user1", want: "free-user1"},
		{name: "lowercased", user: "Alice", want: "alice"},
		{name: "dots replaced", user: "a.b", want: "a-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := k.NormalizeName(tt.user)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, k.NormalizeName(got))
		})
	}
}

// TestKubernetesContainerName tests that the shared prefix is sanitized too
func TestKubernetesContainerName(t *testing.T) {
	k := &KubernetesOrchestrator{}

	name := k.ContainerName("free_user1")
	assert.Equal(t, "h--tds--free-user1", name)
	assert.NotContains(t, name, "_")
}

// TestCPUPercent tests the daemon CPU accounting math
func TestCPUPercent(t *testing.T) {
	var s container.StatsResponse
	s.PreCPUStats.CPUUsage.TotalUsage = 1_000_000
	s.CPUStats.CPUUsage.TotalUsage = 2_000_000
	s.PreCPUStats.SystemUsage = 10_000_000
	s.CPUStats.SystemUsage = 20_000_000
	s.CPUStats.OnlineCPUs = 4

	// 1e6/1e7 of the system, over 4 cpus: 40%
	assert.InDelta(t, 40.0, cpuPercent(s), 0.001)
}

// TestCPUPercentFallsBackToPercpu tests the online-cpu fallback
func TestCPUPercentFallsBackToPercpu(t *testing.T) {
	var s container.StatsResponse
	s.PreCPUStats.CPUUsage.TotalUsage = 0
	s.CPUStats.CPUUsage.TotalUsage = 5_000_000
	s.PreCPUStats.SystemUsage = 0
	s.CPUStats.SystemUsage = 10_000_000
	s.CPUStats.CPUUsage.PercpuUsage = []uint64{1, 2}

	assert.InDelta(t, 100.0, cpuPercent(s), 0.001)
}

// TestCPUPercentZeroDeltas tests that degenerate samples read as idle
func TestCPUPercentZeroDeltas(t *testing.T) {
	var s container.StatsResponse
	assert.Equal(t, 0.0, cpuPercent(s))

	s.CPUStats.CPUUsage.TotalUsage = 100
	s.PreCPUStats.CPUUsage.TotalUsage = 200
	assert.Equal(t, 0.0, cpuPercent(s))
}

// TestLowestTCPPort tests exposed-port selection
func TestLowestTCPPort(t *testing.T) {
	ports := nat.PortSet{
		"8080/tcp": struct{}{},
		"443/tcp":  struct{}{},
		"53/udp":   struct{}{},
	}
	assert.Equal(t, 443, lowestTCPPort(ports, 80))
	assert.Equal(t, 80, lowestTCPPort(nat.PortSet{}, 80))
	assert.Equal(t, 80, lowestTCPPort(nat.PortSet{"53/udp": struct{}{}}, 80))
}

// TestDeploymentSpec tests the generated session deployment
func TestDeploymentSpec(t *testing.T) {
	k := &KubernetesOrchestrator{namespace: "slicer", nfsBase: "/mnt/opendx28"}

	spec := domain.LaunchSpec{
		Name:      "h--tds--alice",
		Image:     "stevepieper/slicer-chronicle",
		Tag:       "5.0.3",
		SessionID: "abc123",
		Volumes: []domain.VolumeBinding{
			{Volume: "alice_documents", MountPath: "/home/researcher/Documents"},
		},
	}

	deploy := k.deployment(spec)
	assert.Equal(t, "deploy-h--tds--alice", deploy.Name)
	assert.Equal(t, "h--tds--alice", deploy.Labels[userLabel])
	assert.Equal(t, "abc123", deploy.Annotations[sessionIDLabel])

	ctr := deploy.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "stevepieper/slicer-chronicle:5.0.3", ctr.Image)
	assert.Equal(t, "VNC_DISABLE_AUTH", ctr.Env[0].Name)
	assert.Empty(t, deploy.Spec.Template.Spec.Tolerations)

	// shm plus the one data volume
	assert.Len(t, deploy.Spec.Template.Spec.Volumes, 2)
	hp := deploy.Spec.Template.Spec.Volumes[1].HostPath
	assert.Equal(t, "/mnt/opendx28/alice_documents", hp.Path)

	// web assets rewritten to the session websocket route
	postStart := ctr.Lifecycle.PostStart.Exec.Command[2]
	assert.Contains(t, postStart, "abc123-ws")
}

// TestDeploymentSpecGPU tests advisory GPU scheduling bits
func TestDeploymentSpecGPU(t *testing.T) {
	k := &KubernetesOrchestrator{namespace: "slicer"}

	deploy := k.deployment(domain.LaunchSpec{
		Name:      "h--tds--bob-gpu",
		Image:     "stevepieper/slicer-chronicle",
		Tag:       "5.0.3",
		SessionID: "def456",
		GPU:       true,
	})

	ctr := deploy.Spec.Template.Spec.Containers[0]
	gpus := ctr.Resources.Limits["nvidia.com/gpu"]
	assert.Equal(t, "1", gpus.String())
	assert.Len(t, deploy.Spec.Template.Spec.Tolerations, 1)
}
