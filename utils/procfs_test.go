package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T) ProcFS {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "4242")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "1"), 0o755))

	stat := "4242 (my (odd) proc) S 1 4242 4242 0 -1 4194560 100 0 0 0 1 2 0 0 20 0 1 0 987654 1000 10 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 3 0 0 0 0 0\n"
	files := map[string]string{
		"stat":    stat,
		"status":  "Name:\tmy (odd) proc\nUid:\t1000\t0\t0\t0\nGid:\t100\t100\t100\t100\n",
		"cmdline": "/usr/bin/tool\x00--flag\x00value\x00",
		"environ": "HOME=/home/alice\x00PATH=/usr/bin\x00EMPTY=\x00",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	require.NoError(t, os.Symlink("/home/alice", filepath.Join(dir, "cwd")))
	require.NoError(t, os.Symlink("/usr/bin/tool", filepath.Join(dir, "exe")))
	return ProcFS{Root: root}
}

func TestReadStat(t *testing.T) {
	p := fakeProc(t)
	st, err := p.ReadStat(4242)
	require.NoError(t, err)
	assert.Equal(t, int32(4242), st.PID)
	assert.Equal(t, "my (odd) proc", st.Comm)
	assert.Equal(t, byte('S'), st.State)
	assert.Equal(t, int32(1), st.PPID)
	assert.Equal(t, uint64(987654), st.StartTime)

	gen, err := p.StartTime(4242)
	require.NoError(t, err)
	assert.Equal(t, uint64(987654), gen)

	_, err = p.ReadStat(9999)
	assert.Error(t, err)
}

func TestParseStat_Malformed(t *testing.T) {
	for _, in := range []string{"", "12 no-parens S 1", "12 (x) S 1 2 3"} {
		_, err := parseStat([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedStat, in)
	}
}

func TestReadCreds(t *testing.T) {
	c, err := fakeProc(t).ReadCreds(4242)
	require.NoError(t, err)
	assert.Equal(t, Creds{UID: 1000, EUID: 0, GID: 100, EGID: 100}, c)
}

func TestReadCmdlineEnvironLinks(t *testing.T) {
	p := fakeProc(t)

	args, err := p.ReadCmdline(4242)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/tool", "--flag", "value"}, args)

	env, err := p.ReadEnviron(4242)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOME": "/home/alice", "PATH": "/usr/bin", "EMPTY": ""}, env)

	cwd, err := p.ReadCwd(4242)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", cwd)

	exe, err := p.ReadExe(4242)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/tool", exe)
	assert.Equal(t, filepath.Join(p.Root, "4242", "exe"), p.ExePath(4242))
}

func TestListPIDs(t *testing.T) {
	pids, err := fakeProc(t).ListPIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{1, 4242}, pids)
}

func TestMaskToString(t *testing.T) {
	assert.Equal(t, "NONE", MaskToString(0))
	assert.Equal(t, "CLOSE_WRITE", MaskToString(0x8))
	assert.Equal(t, "OPEN_EXEC_PERM|0x80000000", MaskToString(0x40000|0x80000000))
}
