package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OrchestratorKind selects the container orchestrator backend.
type OrchestratorKind string

const (
	OrchestratorDocker     OrchestratorKind = "docker"
	OrchestratorKubernetes OrchestratorKind = "kubernetes"
)

// Config holds the hub configuration, populated from the environment.
type Config struct {
	// Session store
	DBConnectionString string

	// Reverse proxy
	NginxName       string
	NginxConfigFile string
	IndexPath       string

	// Reaper
	InactivityTime    time.Duration
	ActivityThreshold float64

	// Networking / base URL
	NetworkName string
	Proto       string
	Domain      string
	Port        int
	Mode        string
	IP          string

	// Directory service
	OpenLDAPName     string
	OpenLDAPPort     int
	LDAPBaseDN       string
	FallbackUserPat  string
	FallbackPassword string

	// Self address for the proxy root route
	TDSlicerHubName string

	// Orchestrator
	Orchestrator OrchestratorKind
	MaxSessions  int

	// Images
	SlicerImageName        string
	SlicerImageTag         string
	SlicerImageDockerfile  string
	VNCBaseImageName       string
	VNCBaseImageDockerfile string

	// Volumes
	VolumeKindsFile string

	// Docker backend
	ComposeFile string

	// Kubernetes backend
	Kubeconfig    string
	KubeNamespace string
	NFSBasePath   string

	// HTTP server
	HTTPAddr string

	// Logging
	LogLevel string
	LogJSON  bool
}

// UnlimitedSessions is the MAX_SESSIONS value at or above which capacity
// checking is disabled.
const UnlimitedSessions = 1000

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("INACTIVITY_TIME_SEC", 300)
	v.SetDefault("ACTIVITY_THRESHOLD", 10.0)
	v.SetDefault("PROTO", "http")
	v.SetDefault("PORT", 8000)
	v.SetDefault("MODE", "local")
	v.SetDefault("OPENLDAP_PORT", 389)
	v.SetDefault("LDAP_BASE_DN", "ou=jupyterhub,dc=opendx,dc=org")
	v.SetDefault("FALLBACK_USER_PATTERN", "^free_user")
	v.SetDefault("FALLBACK_PASSWORD", "test")
	v.SetDefault("CONTAINER_ORCHESTRATOR", string(OrchestratorDocker))
	v.SetDefault("MAX_SESSIONS", UnlimitedSessions)
	v.SetDefault("SLICER_IMAGE_NAME", "stevepieper/slicer-chronicle")
	v.SetDefault("SLICER_IMAGE_TAG", "5.0.3")
	v.SetDefault("VNC_BASE_IMAGE_NAME", "vnc-base")
	v.SetDefault("KUBE_NAMESPACE", "default")
	v.SetDefault("NFS_BASE_PATH", "/mnt/opendx28")
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)

	cfg := &Config{
		DBConnectionString:     v.GetString("DB_CONNECTION_STRING"),
		NginxName:              v.GetString("NGINX_NAME"),
		NginxConfigFile:        v.GetString("NGINX_CONFIG_FILE"),
		IndexPath:              v.GetString("INDEX_PATH"),
		InactivityTime:         time.Duration(v.GetInt("INACTIVITY_TIME_SEC")) * time.Second,
		ActivityThreshold:      v.GetFloat64("ACTIVITY_THRESHOLD"),
		NetworkName:            v.GetString("NETWORK_NAME"),
		Proto:                  v.GetString("PROTO"),
		Domain:                 v.GetString("DOMAIN"),
		Port:                   v.GetInt("PORT"),
		Mode:                   v.GetString("MODE"),
		IP:                     v.GetString("IP"),
		OpenLDAPName:           v.GetString("OPENLDAP_NAME"),
		OpenLDAPPort:           v.GetInt("OPENLDAP_PORT"),
		LDAPBaseDN:             v.GetString("LDAP_BASE_DN"),
		FallbackUserPat:        v.GetString("FALLBACK_USER_PATTERN"),
		FallbackPassword:       v.GetString("FALLBACK_PASSWORD"),
		TDSlicerHubName:        v.GetString("TDSLICERHUB_NAME"),
		Orchestrator:           ParseOrchestrator(v.GetString("CONTAINER_ORCHESTRATOR")),
		MaxSessions:            v.GetInt("MAX_SESSIONS"),
		SlicerImageName:        v.GetString("SLICER_IMAGE_NAME"),
		SlicerImageTag:         v.GetString("SLICER_IMAGE_TAG"),
		SlicerImageDockerfile:  v.GetString("SLICER_IMAGE_DOCKERFILE"),
		VNCBaseImageName:       v.GetString("VNC_BASE_IMAGE_NAME"),
		VNCBaseImageDockerfile: v.GetString("VNC_BASE_IMAGE_DOCKERFILE"),
		VolumeKindsFile:        v.GetString("VOLUME_KINDS_FILE"),
		ComposeFile:            v.GetString("COMPOSE_FILE"),
		Kubeconfig:             v.GetString("KUBECONFIG"),
		KubeNamespace:          v.GetString("KUBE_NAMESPACE"),
		NFSBasePath:            v.GetString("NFS_BASE_PATH"),
		HTTPAddr:               v.GetString("HTTP_ADDR"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogJSON:                v.GetBool("LOG_JSON"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseOrchestrator maps the CONTAINER_ORCHESTRATOR selector to a backend
// kind. The legacy selector "docker_compose" is accepted as an alias for the
// Docker backend. Unknown selectors map to an empty kind, rejected by
// Validate.
func ParseOrchestrator(s string) OrchestratorKind {
	switch strings.ToLower(s) {
	case "docker", "docker_compose":
		return OrchestratorDocker
	case "kubernetes":
		return OrchestratorKubernetes
	default:
		return OrchestratorKind("")
	}
}

// Validate checks that required settings are present and consistent.
// Configuration errors are the only fatal errors in the hub.
func (c *Config) Validate() error {
	if c.Orchestrator == "" {
		return fmt.Errorf("invalid CONTAINER_ORCHESTRATOR selector")
	}
	if c.DBConnectionString == "" {
		return fmt.Errorf("DB_CONNECTION_STRING is required")
	}
	if c.NginxConfigFile == "" {
		return fmt.Errorf("NGINX_CONFIG_FILE is required")
	}
	if c.NginxName == "" {
		return fmt.Errorf("NGINX_NAME is required")
	}
	if c.Domain == "" {
		return fmt.Errorf("DOMAIN is required")
	}
	if c.Orchestrator == OrchestratorDocker && c.NetworkName == "" {
		return fmt.Errorf("NETWORK_NAME is required for the docker backend")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be at least 1")
	}
	if c.ActivityThreshold < 0 {
		return fmt.Errorf("ACTIVITY_THRESHOLD must not be negative")
	}
	return nil
}

// Unlimited reports whether capacity checking is disabled.
func (c *Config) Unlimited() bool {
	return c.MaxSessions >= UnlimitedSessions
}

// LDAPAddress returns the host:port of the directory service.
func (c *Config) LDAPAddress() string {
	host := c.OpenLDAPName
	if c.Mode == "local" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, c.OpenLDAPPort)
}
