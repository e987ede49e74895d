package repository

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/db"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	conn, err := sqlx.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(Schema)
	require.NoError(t, err)

	return New(db.NewPool(conn, conn), "sqlite")
}

func TestGetOrAllocateLinuxUIDIsStableAcrossCalls(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.GetOrAllocateLinuxUID(ctx, "alice", 2000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first, 2000)

	again, err := repo.GetOrAllocateLinuxUID(ctx, "alice", 2000)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestGetOrAllocateLinuxUIDAssignsDistinctUIDsPerUser(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	alice, err := repo.GetOrAllocateLinuxUID(ctx, "alice", 2000)
	require.NoError(t, err)

	bob, err := repo.GetOrAllocateLinuxUID(ctx, "bob", 2000)
	require.NoError(t, err)

	require.NotEqual(t, alice, bob)
	require.GreaterOrEqual(t, alice, 2000)
	require.GreaterOrEqual(t, bob, 2000)
}
