package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/internal/cache"
)

func TestBackfiller_RecordsRunningExecutables(t *testing.T) {
	bin := t.TempDir()
	shell := writeFile(t, filepath.Join(bin, "sh"), []byte("#!/bin/true\n"))
	app := writeFile(t, filepath.Join(bin, "Editor.app", "Contents", "MacOS", "editor"), []byte("#!/bin/true\n"))

	fs := procTree(t,
		procEntry{pid: 10, ppid: 1, comm: "sh", start: 1, exe: shell},
		procEntry{pid: 11, ppid: 1, comm: "sh", start: 2, exe: shell},
		procEntry{pid: 12, ppid: 1, comm: "editor", start: 3, exe: app},
		procEntry{pid: 2, ppid: 0, comm: "kthreadd", start: 0},
	)
	require.NoError(t, os.MkdirAll(filepath.Join(fs.Root, "self"), 0o755))

	dc := cache.NewDecisionCache(cache.Options{})
	b := NewBackfiller(fs, dc, NewFileInspector(), 1000, 2, nil, nil)

	n, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second pass finds everything cached")
	counts := dc.Counts()
	assert.Zero(t, counts.Hits+counts.Misses, "backfill does not count as lookups")

	vnode, ok := b.stat(12)
	require.True(t, ok)
	cd, ok := dc.Get(vnode)
	require.True(t, ok)
	assert.True(t, cd.Backfilled)
	assert.False(t, cd.Cacheable)
	assert.Equal(t, app, cd.Path)
	assert.Equal(t, sha256Hex([]byte("#!/bin/true\n")), cd.SHA256, "content hash recorded for later events")
	assert.Equal(t, filepath.Join(bin, "Editor.app"), cd.BundlePath)
}

func TestBackfiller_Cancelled(t *testing.T) {
	bin := t.TempDir()
	exe := writeFile(t, filepath.Join(bin, "x"), []byte("#!/bin/true\n"))
	fs := procTree(t, procEntry{pid: 10, ppid: 1, comm: "x", start: 1, exe: exe})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBackfiller(fs, cache.NewDecisionCache(cache.Options{}), NewFileInspector(), 1000, 1, nil, nil)
	n, err := b.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
