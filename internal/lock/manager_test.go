package lock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manuscript-collab/internal/lock"
	"manuscript-collab/internal/presence"
)

func setupManager(t *testing.T, users ...string) (*lock.Manager, *presence.Registry) {
	t.Helper()
	registry := presence.NewRegistry()
	for _, u := range users {
		registry.Join("doc1", u, "user-"+u)
	}
	return lock.NewManager(registry), registry
}

func TestRequest_Grant(t *testing.T) {
	mgr, _ := setupManager(t, "u1")

	assert.True(t, mgr.Request("doc1", "methods", "u1"))

	holder, held := mgr.Holder("doc1", "methods")
	require.True(t, held)
	assert.Equal(t, "u1", holder.UserID)
	assert.Equal(t, "user-u1", holder.Username)
}

func TestRequest_DeniedWhenHeld(t *testing.T) {
	mgr, _ := setupManager(t, "u1", "u2")

	require.True(t, mgr.Request("doc1", "methods", "u1"))
	assert.False(t, mgr.Request("doc1", "methods", "u2"))

	// The existing holder is undisturbed by the denied request.
	holder, held := mgr.Holder("doc1", "methods")
	require.True(t, held)
	assert.Equal(t, "u1", holder.UserID)
}

func TestRequest_IdempotentForHolder(t *testing.T) {
	mgr, _ := setupManager(t, "u1")

	require.True(t, mgr.Request("doc1", "methods", "u1"))
	assert.True(t, mgr.Request("doc1", "methods", "u1"), "re-request by the holder is granted")
}

func TestRelease_NonHolderIsNoop(t *testing.T) {
	mgr, _ := setupManager(t, "u1", "u2")

	require.True(t, mgr.Request("doc1", "methods", "u1"))
	assert.False(t, mgr.Release("doc1", "methods", "u2"))
	assert.False(t, mgr.Release("doc1", "abstract", "u1"), "releasing an unheld section is a no-op")

	_, held := mgr.Holder("doc1", "methods")
	assert.True(t, held)
}

func TestLockHandoffScenario(t *testing.T) {
	// A locks "methods"; B is denied and sees A as holder; A releases;
	// B requests again and is granted.
	mgr, _ := setupManager(t, "userA", "userB")

	require.True(t, mgr.Request("doc1", "methods", "userA"))
	require.False(t, mgr.Request("doc1", "methods", "userB"))

	holder, held := mgr.Holder("doc1", "methods")
	require.True(t, held)
	assert.Equal(t, "userA", holder.UserID)

	require.True(t, mgr.Release("doc1", "methods", "userA"))
	assert.True(t, mgr.Request("doc1", "methods", "userB"))

	holder, held = mgr.Holder("doc1", "methods")
	require.True(t, held)
	assert.Equal(t, "userB", holder.UserID)
}

func TestSectionsAreIndependent(t *testing.T) {
	mgr, _ := setupManager(t, "u1", "u2")

	assert.True(t, mgr.Request("doc1", "methods", "u1"))
	assert.True(t, mgr.Request("doc1", "abstract", "u2"), "locks on different sections coexist")
}
