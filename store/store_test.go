package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/config"
)

func TestOpen_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: config.DriverSQLite, SQLitePath: ":memory:"}

	backend, closeFn, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	assert.NoError(t, backend.Ping(context.Background()))
	ids, err := backend.ListEmployeeIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{DBDriver: "oracle"})
	assert.ErrorContains(t, err, "oracle")
}
