package netutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestResolveHostLocal tests local-mode host construction
func TestResolveHostLocal(t *testing.T) {
	host := ResolveHost(context.Background(), "local", "localhost", "", 8000, nil)
	assert.Equal(t, "localhost:8000", host)
}

// TestResolveHostPublic tests the probe-and-match branch
func TestResolveHostPublic(t *testing.T) {
	tests := []struct {
		name  string
		probe Prober
		want  string
	}{
		{
			name:  "probe matches authoritative ip",
			probe: func(context.Context) (string, error) { return "203.0.113.7", nil },
			want:  "slicer.opendx.org",
		},
		{
			name:  "probe mismatch",
			probe: func(context.Context) (string, error) { return "198.51.100.1", nil },
			want:  "localhost",
		},
		{
			name:  "probe failure",
			probe: func(context.Context) (string, error) { return "", errors.New("timeout") },
			want:  "localhost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := ResolveHost(context.Background(), "public", "slicer.opendx.org", "203.0.113.7", 8000, tt.probe)
			assert.Equal(t, tt.want, host)
		})
	}
}

// TestBaseURL tests scheme joining
func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8000", BaseURL("http", "localhost:8000"))
	assert.Equal(t, "https://slicer.opendx.org", BaseURL("https", "slicer.opendx.org"))
}
