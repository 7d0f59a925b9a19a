package subband

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestNormalizePlan_RenamesStragglersToCanonical(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"2025-01-15T10:30:00_sb00.hdf5",
		"2025-01-15T10:30:12_sb01.hdf5",
		"2025-01-15T10:30:45_sb02.hdf5",
	)

	plan, err := NormalizePlan(dir, time.Minute)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	targets := []string{filepath.Base(plan[0].To), filepath.Base(plan[1].To)}
	sort.Strings(targets)
	assert.Equal(t, []string{
		"2025-01-15T10:30:00_sb01.hdf5",
		"2025-01-15T10:30:00_sb02.hdf5",
	}, targets)
}

func TestNormalizePlan_IdempotentAfterApply(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"2025-01-15T10:30:00_sb00.hdf5",
		"2025-01-15T10:30:30_sb01.hdf5",
	)

	plan, err := NormalizePlan(dir, time.Minute)
	require.NoError(t, err)
	require.Len(t, plan, 1)

	n, err := ApplyRenames(plan)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := NormalizePlan(dir, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "second pass must plan nothing")

	_, err = os.Stat(filepath.Join(dir, "2025-01-15T10:30:00_sb01.hdf5"))
	assert.NoError(t, err)
}

func TestNormalizePlan_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "2025-01-15T10:30:00_sb00.hdf5", "README.md")

	plan, err := NormalizePlan(dir, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestNormalizePlan_SeparateClustersUntouched(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"2025-01-15T10:30:00_sb00.hdf5",
		"2025-01-15T10:35:00_sb00.hdf5",
	)

	plan, err := NormalizePlan(dir, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, plan)
}
