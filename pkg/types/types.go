package types

import (
	"strings"
	"time"
)

// ContainerNamePrefix is prepended to every container the hub manages.
// The prefix partitions the container namespace: anything starting with it
// is considered owned by the hub and may be reclaimed by the reaper.
const ContainerNamePrefix = "h__tds__"

// GPUUserSuffix marks users whose sessions request GPU scheduling.
const GPUUserSuffix = "_gpu"

// Session binds one user to one application container and its proxy route.
type Session struct {
	ID             string      `json:"id"`
	User           string      `json:"user"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivity   time.Time   `json:"last_activity"`
	URLPath        string      `json:"url_path"`
	ServiceAddress string      `json:"service_address,omitempty"`
	ContainerName  string      `json:"container_name,omitempty"`
	Restart        bool        `json:"restart"`
	GPU            bool        `json:"gpu"`
	Info           SessionInfo `json:"info"`
}

// SessionInfo carries the mutable, semi-structured part of a session record.
type SessionInfo struct {
	CPUPct      float64 `json:"CPU_pct"`
	Shared      bool    `json:"shared"`
	Interactive bool    `json:"interactive,omitempty"`
}

// Routable reports whether the proxy can route to this session yet.
func (s *Session) Routable() bool {
	return s.ServiceAddress != ""
}

// GPUFromUser derives the GPU scheduling intent from the user identity.
func GPUFromUser(user string) bool {
	return strings.HasSuffix(user, GPUUserSuffix)
}

// ContainerStatus is the backend-agnostic container state.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusAbsent  ContainerStatus = "absent"
	StatusOther   ContainerStatus = "other"
)

// StopResult is the outcome of a stop request.
type StopResult string

const (
	StopStopped StopResult = "stopped"
	StopFailed  StopResult = "failed"
	StopAbsent  StopResult = "absent"
)

// RemoveResult is the outcome of a remove request.
type RemoveResult string

const (
	RemoveRemoved RemoveResult = "removed"
	RemoveFailed  RemoveResult = "failed"
	RemoveAbsent  RemoveResult = "absent"
)

// VolumeBinding maps a named persistent volume into a container.
type VolumeBinding struct {
	Volume    string // backend volume name, {user}_{kind}
	MountPath string // mount point inside the container
}

// LaunchSpec describes a container to be started by an orchestrator backend.
type LaunchSpec struct {
	Name      string
	Image     string
	Tag       string
	Network   string
	Volumes   []VolumeBinding
	SessionID string
	GPU       bool
}

// ImageRef returns the image reference in name:tag form.
func (l LaunchSpec) ImageRef() string {
	return l.Image + ":" + l.Tag
}
