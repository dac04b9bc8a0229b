package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendx28/slicerhub/pkg/orchestrator"
	"github.com/opendx28/slicerhub/pkg/types"
)

type fakeCommander struct {
	execCalls   [][]string
	execErr     error
	broughtUp   int
	bringsProxy bool // BringUpBase clears execErr
}

func (f *fakeCommander) ExecInProxy(_ context.Context, _ string, cmd []string) (string, error) {
	f.execCalls = append(f.execCalls, cmd)
	if f.execErr != nil {
		return "", f.execErr
	}
	return "", nil
}

func (f *fakeCommander) BringUpBase(_ context.Context) error {
	f.broughtUp++
	if f.bringsProxy {
		f.execErr = nil
	}
	return nil
}

func sessionsFixture() []types.Session {
	return []types.Session{
		{ID: "bbb", User: "bob", ServiceAddress: "10.0.0.3:80"},
		{ID: "aaa", User: "alice", ServiceAddress: "10.0.0.2:80"},
		{ID: "ccc", User: "carol"}, // not routable yet
	}
}

// TestRenderLocationBlocks tests per-session locations and the root route
func TestRenderLocationBlocks(t *testing.T) {
	r := NewReconciler("unused", "nginx", "hub:8000", &fakeCommander{})

	out, err := r.Render(sessionsFixture())
	require.NoError(t, err)
	conf := string(out)

	assert.Contains(t, conf, "proxy_pass http://hub:8000;")
	assert.Contains(t, conf, "location /aaa/ {")
	assert.Contains(t, conf, "location /aaa-ws {")
	assert.Contains(t, conf, "proxy_pass http://10.0.0.2:80/;")
	assert.Contains(t, conf, "proxy_pass http://10.0.0.2:80/websockify;")
	assert.Contains(t, conf, "location /bbb/ {")

	// non-routable sessions contribute nothing
	assert.NotContains(t, conf, "ccc")

	// websocket upgrade headers present
	assert.Contains(t, conf, `proxy_set_header Connection "upgrade";`)
}

// TestRenderDeterministic tests byte-identical output for equal sets
func TestRenderDeterministic(t *testing.T) {
	r := NewReconciler("unused", "nginx", "hub:8000", &fakeCommander{})

	first, err := r.Render(sessionsFixture())
	require.NoError(t, err)

	// same set, different order
	reversed := sessionsFixture()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	second, err := r.Render(reversed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// TestReconcileWritesAtomically tests the rename-based replace
func TestReconcileWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	cmd := &fakeCommander{}
	r := NewReconciler(path, "nginx", "hub:8000", cmd)

	require.NoError(t, r.Reconcile(context.Background(), sessionsFixture()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "location /aaa/")

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// exactly one reload issued
	require.Len(t, cmd.execCalls, 1)
	assert.Equal(t, []string{"nginx", "-s", "reload"}, cmd.execCalls[0])
}

// TestReloadBringsUpProxy tests the base-services fallback
func TestReloadBringsUpProxy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	cmd := &fakeCommander{
		execErr:     orchestrator.ErrProxyUnavailable,
		bringsProxy: true,
	}
	r := NewReconciler(path, "nginx", "hub:8000", cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, r.Reconcile(ctx, nil))
	assert.Equal(t, 1, cmd.broughtUp)
	assert.GreaterOrEqual(t, len(cmd.execCalls), 2)
}
