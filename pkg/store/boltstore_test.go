package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendx28/slicerhub/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id, user string) *types.Session {
	return &types.Session{
		ID:            id,
		User:          user,
		CreatedAt:     time.Now(),
		LastActivity:  time.Now(),
		URLPath:       "/" + id + "/",
		ContainerName: types.ContainerNamePrefix + user,
		Info:          types.SessionInfo{CPUPct: 0, Shared: false},
	}
}

// TestCreateAndGetSession tests round-trip persistence
func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess := testSession("abc123", "free_user1")
	require.NoError(t, s.CreateSession(sess, 0))

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	assert.Equal(t, "free_user1", got.User)
	assert.Equal(t, "/abc123/", got.URLPath)

	byUser, err := s.GetSessionByUser("free_user1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", byUser.ID)
}

// TestUserUniqueness tests that the second insert for a user fails
func TestUserUniqueness(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(testSession("a", "free_user1"), 0))

	err := s.CreateSession(testSession("b", "free_user1"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionExists))

	// The first row survives untouched.
	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a", sessions[0].ID)
}

// TestDeleteSession tests deletion frees the user for a new session
func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(testSession("a", "free_user1"), 0))
	require.NoError(t, s.DeleteSession("a"))

	_, err := s.GetSession("a")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = s.GetSessionByUser("free_user1")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	// Same user can open a fresh session now.
	require.NoError(t, s.CreateSession(testSession("b", "free_user1"), 0))
}

// TestDeleteSessionIdempotent tests deleting a missing session is a no-op
func TestDeleteSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.DeleteSession("nope"))
}

// TestUpdateSession tests field mutation
func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)

	sess := testSession("a", "free_user1")
	require.NoError(t, s.CreateSession(sess, 0))

	sess.ServiceAddress = "10.0.0.7:6901"
	sess.Info.Shared = true
	sess.Info.CPUPct = 42.5
	require.NoError(t, s.UpdateSession(sess))

	got, err := s.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:6901", got.ServiceAddress)
	assert.True(t, got.Info.Shared)
	assert.Equal(t, 42.5, got.Info.CPUPct)
}

// TestUpdateMissingSession tests updating a deleted session fails
func TestUpdateMissingSession(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSession(testSession("ghost", "free_user1"))
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

// TestListSessions tests listing all live sessions
func TestListSessions(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(testSession("a", "free_user1"), 0))
	require.NoError(t, s.CreateSession(testSession("b", "free_user2"), 0))
	require.NoError(t, s.CreateSession(testSession("c", "researcher_gpu"), 0))

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

// TestCapacityEnforcedInTransaction tests the session cap inside the tx
func TestCapacityEnforcedInTransaction(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(testSession("a", "free_user1"), 1))

	err := s.CreateSession(testSession("b", "free_user2"), 1)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	// the duplicate-user check takes priority over capacity
	err = s.CreateSession(testSession("c", "free_user1"), 1)
	assert.True(t, errors.Is(err, ErrSessionExists))

	// only the first row exists
	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a", sessions[0].ID)

	// retiring a session frees capacity
	require.NoError(t, s.DeleteSession("a"))
	require.NoError(t, s.CreateSession(testSession("b", "free_user2"), 1))
}

// TestCapacityUnlimited tests that a non-positive cap disables the check
func TestCapacityUnlimited(t *testing.T) {
	s := newTestStore(t)

	for i, user := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.CreateSession(testSession(string(rune('a'+i)), user), 0))
	}
}

// TestConnectionStringScheme tests legacy sqlite scheme stripping
func TestConnectionStringScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	s, err := NewBoltStore("sqlite:///" + path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateSession(testSession("a", "free_user1"), 0))
}
