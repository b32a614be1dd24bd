package store

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	require.NoError(t, err)

	migrations, err := LoadMigrations(sub)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "ledger_checkpoints", migrations[0].Name)
	assert.Contains(t, migrations[0].SQL, "ledger_checkpoints")
	assert.Equal(t, "processed_messages", migrations[1].Name)
}

func TestLoadMigrations_OrdersAndValidates(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql": {Data: []byte("SELECT 10")},
		"002_first.sql": {Data: []byte("SELECT 2")},
		"README.md":     {Data: []byte("ignored")},
	}
	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 2, migrations[0].Version)
	assert.Equal(t, 10, migrations[1].Version)

	_, err = LoadMigrations(fstest.MapFS{"bad.sql": {Data: []byte("x")}})
	assert.Error(t, err)
}

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup(20 * time.Millisecond)
	ctx := context.Background()

	first, err := d.TryProcess(ctx, "msg-1", "order.submit")
	require.NoError(t, err)
	assert.True(t, first)

	again, _ := d.TryProcess(ctx, "msg-1", "order.submit")
	assert.False(t, again)

	time.Sleep(25 * time.Millisecond)
	expired, _ := d.TryProcess(ctx, "msg-1", "order.submit")
	assert.True(t, expired)
}

func TestMemoryDedup_Release(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	ctx := context.Background()

	first, _ := d.TryProcess(ctx, "msg-2", "order.submit")
	require.True(t, first)
	require.NoError(t, d.Release(ctx, "msg-2"))

	again, _ := d.TryProcess(ctx, "msg-2", "order.submit")
	assert.True(t, again)
}
