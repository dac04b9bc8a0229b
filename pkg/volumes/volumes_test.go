package volumes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	created []string
}

func (f *fakeCreator) EnsureVolume(_ context.Context, user, kind string) error {
	f.created = append(f.created, Name(user, kind))
	return nil
}

// TestDefaultBindings tests the built-in volume set
func TestDefaultBindings(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	b := s.Bindings("free_user1")
	require.Len(t, b, 3)
	assert.Equal(t, "free_user1_cache_apt", b[0].Volume)
	assert.Equal(t, "/var/cache/apt", b[0].MountPath)
	assert.Equal(t, "free_user1_logs", b[1].Volume)
	assert.Equal(t, "free_user1_documents", b[2].Volume)
	assert.Equal(t, "/home/researcher/Documents", b[2].MountPath)
}

// TestEnsureAll tests every kind is created once
func TestEnsureAll(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	f := &fakeCreator{}
	require.NoError(t, s.EnsureAll(context.Background(), f, "free_user1"))
	assert.Equal(t, []string{
		"free_user1_cache_apt",
		"free_user1_logs",
		"free_user1_documents",
	}, f.created)
}

// TestLoadOverrideFile tests YAML kind overrides
func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinds.yaml")
	content := `
- name: workspace
  mountPath: /workspace
- name: results
  mountPath: /results
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := Load(path)
	require.NoError(t, err)

	b := s.Bindings("alice")
	require.Len(t, b, 2)
	assert.Equal(t, "alice_workspace", b[0].Volume)
	assert.Equal(t, "/workspace", b[0].MountPath)
}

// TestLoadInvalidFile tests malformed override files fail loudly
func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinds.yaml")

	require.NoError(t, os.WriteFile(path, []byte("- name: incomplete\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[]\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
