package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DBConnectionString: "/data/slicerhub.db",
		NginxName:          "nginx",
		NginxConfigFile:    "/etc/nginx/nginx.conf",
		NetworkName:        "opendx",
		Domain:             "example.org",
		Mode:               "local",
		Proto:              "http",
		Port:               8000,
		Orchestrator:       OrchestratorDocker,
		MaxSessions:        1000,
		InactivityTime:     300 * time.Second,
		ActivityThreshold:  10,
	}
}

// TestParseOrchestrator tests the backend selector mapping
func TestParseOrchestrator(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		want     OrchestratorKind
	}{
		{
			name:     "docker",
			selector: "docker",
			want:     OrchestratorDocker,
		},
		{
			name:     "legacy compose alias",
			selector: "docker_compose",
			want:     OrchestratorDocker,
		},
		{
			name:     "kubernetes",
			selector: "kubernetes",
			want:     OrchestratorKubernetes,
		},
		{
			name:     "mixed case",
			selector: "Kubernetes",
			want:     OrchestratorKubernetes,
		},
		{
			name:     "unknown",
			selector: "nomad",
			want:     OrchestratorKind(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOrchestrator(tt.selector))
		})
	}
}

// TestValidate tests startup configuration validation
func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("invalid orchestrator", func(t *testing.T) {
		c := validConfig()
		c.Orchestrator = ParseOrchestrator("swarm")
		assert.Error(t, c.Validate())
	})

	t.Run("missing store", func(t *testing.T) {
		c := validConfig()
		c.DBConnectionString = ""
		assert.Error(t, c.Validate())
	})

	t.Run("missing proxy config path", func(t *testing.T) {
		c := validConfig()
		c.NginxConfigFile = ""
		assert.Error(t, c.Validate())
	})

	t.Run("network not required for kubernetes", func(t *testing.T) {
		c := validConfig()
		c.Orchestrator = OrchestratorKubernetes
		c.NetworkName = ""
		assert.NoError(t, c.Validate())
	})
}

// TestUnlimited tests the unlimited-capacity interpretation
func TestUnlimited(t *testing.T) {
	c := validConfig()
	c.MaxSessions = 999
	assert.False(t, c.Unlimited())
	c.MaxSessions = 1000
	assert.True(t, c.Unlimited())
	c.MaxSessions = 50000
	assert.True(t, c.Unlimited())
}

// TestLDAPAddress tests directory address construction
func TestLDAPAddress(t *testing.T) {
	c := validConfig()
	c.Mode = "container"
	c.OpenLDAPName = "openldap"
	c.OpenLDAPPort = 389
	assert.Equal(t, "openldap:389", c.LDAPAddress())

	c.Mode = "local"
	assert.Equal(t, "localhost:389", c.LDAPAddress())
}
