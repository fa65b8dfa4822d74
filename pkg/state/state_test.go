// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, st.Set("agent_uuid", "1234"))
	assert.Equal(t, "1234", st.GetString("agent_uuid"))

	var missing string
	ok, err := st.Get("unknown", &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, st.Has("agent_uuid"))
	st.Delete("agent_uuid")
	assert.False(t, st.Has("agent_uuid"))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, st.Set("password", "secret"))
	require.NoError(t, st.Set("counts", []int{1, 2, 3}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", reloaded.GetString("password"))

	var counts []int
	ok, err := reloaded.Get("counts", &counts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, counts)
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, st.Set("key", "value"))

	// the temporary file never survives a completed write
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.False(t, st.Has("anything"))
}
