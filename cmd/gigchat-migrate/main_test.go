package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AppliesAndReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), path, false, &out))
	assert.Contains(t, out.String(), "001_initial_schema.sql")
	assert.Contains(t, out.String(), "applied")
	assert.NotContains(t, out.String(), "pending")

	out.Reset()
	require.NoError(t, run(context.Background(), path, false, &out))
	assert.Contains(t, out.String(), "version 1")
}

func TestRun_BadPath(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), "../outside.db", false, &out))
	assert.Empty(t, out.String())
}
