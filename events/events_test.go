package events

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/config"
	"execguard/policy"
)

func sampleDecision() *policy.CachedDecision {
	return &policy.CachedDecision{
		Decision:      policy.StateBlockBinary,
		ClientMode:    config.ModeLockdown,
		Path:          "/tmp/evil|name",
		SHA256:        strings.Repeat("a", 64),
		TeamID:        "EQHXZ8M8AV",
		SigningID:     "com.example.evil",
		SigningStatus: policy.SigningStatusProduction,
		CustomMsg:     "blocked by policy",
		MatchedRule:   policy.NewRule(strings.Repeat("a", 64), policy.RuleTypeBinary, policy.RuleStateBlock),
	}
}

func sampleEvent() *ExecutionEvent {
	e := NewExecutionEvent(sampleDecision())
	e.PID = 4242
	e.PPID = 1
	e.UID = 1000
	e.Username = "alice"
	e.Args = []string{"evil", "--now"}
	return e
}

func TestNewExecutionEvent(t *testing.T) {
	e := sampleEvent()
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "BlockBinary", e.Decision)
	assert.Equal(t, "binary", e.Reason)
	assert.Equal(t, "lockdown", e.ClientMode)
	assert.Equal(t, "L", e.ModeLetter())
	assert.False(t, e.Allowed())
	assert.NotEqual(t, e.ID, sampleEvent().ID)
}

func TestSecurityLogger_Formats(t *testing.T) {
	e := sampleEvent()

	var text bytes.Buffer
	require.NoError(t, NewSecurityLoggerWriter(&text, FormatText).Log(e))
	line := text.String()
	assert.Contains(t, line, "action=EXEC|decision=BlockBinary|reason=binary")
	assert.Contains(t, line, "path=/tmp/evil<pipe>name")
	assert.Contains(t, line, "mode=L")
	assert.Contains(t, line, "args=evil --now")
	assert.Equal(t, 1, strings.Count(line, "\n"))

	var js bytes.Buffer
	require.NoError(t, NewSecurityLoggerWriter(&js, FormatJSON).Log(e))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, e.ID, decoded["id"])
	assert.Equal(t, "/tmp/evil|name", decoded["path"])

	var cef bytes.Buffer
	require.NoError(t, NewSecurityLoggerWriter(&cef, FormatCEF).Log(e))
	assert.True(t, strings.HasPrefix(cef.String(), "CEF:0|execguard|execguard|1.0|BlockBinary|Execution blocked|7|"))
	assert.Contains(t, cef.String(), "filePath=/tmp/evil|name")
	assert.Contains(t, cef.String(), "suser=alice")
}

func TestSecurityLogger_Filters(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSecurityLoggerWriter(&buf, FormatText)
	sl.AddFilter(func(e *ExecutionEvent) bool { return !e.Allowed() })

	allowed := NewExecutionEvent(&policy.CachedDecision{Decision: policy.StateAllowBinary, Path: "/bin/ls"})
	require.NoError(t, sl.Log(allowed))
	assert.Zero(t, buf.Len())

	require.NoError(t, sl.Log(sampleEvent()))
	assert.NotZero(t, buf.Len())
}

func TestSecurityLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decisions.log")
	sl, err := NewSecurityLogger(path, FormatText)
	require.NoError(t, err)
	defer sl.Close()

	require.NoError(t, sl.Log(sampleEvent()))
	require.NoError(t, sl.Rotate())
	require.NoError(t, sl.Log(sampleEvent()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(current), "\n"))
}

func TestParseLogFormat(t *testing.T) {
	for in, want := range map[string]LogFormat{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "cef": FormatCEF} {
		got, err := ParseLogFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	first := sampleEvent()
	first.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := sampleEvent()
	second.Timestamp = first.Timestamp.Add(time.Second)

	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, first), "duplicate saves are ignored")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	loaded, err := s.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Path, loaded.Path)
	assert.Equal(t, first.Args, loaded.Args)
	assert.True(t, first.Timestamp.Equal(loaded.Timestamp))

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")

	require.NoError(t, s.MarkUploaded(ctx, []string{first.ID}))
	pending, err = s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	pruned, err := s.PruneUploaded(ctx, first.Timestamp.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestSpool_DrainAndRead(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, sampleEvent()))
	}

	sp, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	defer sp.Close()

	n, err := sp.Drain(ctx, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sp.Drain(ctx, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = sp.Drain(ctx, store, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	files, err := sp.List()
	require.NoError(t, err)
	require.Len(t, files, 2)

	batch, err := sp.ReadBatch(files[0])
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "BlockBinary", batch[0].Decision)
	assert.Equal(t, "alice", batch[0].Username)
}

func TestBundleHasher(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o755))
	}
	write("bin/a", append([]byte{0x7f, 'E', 'L', 'F'}, []byte("one")...))
	write("lib/b.so", append([]byte{0x7f, 'E', 'L', 'F'}, []byte("two")...))
	write("README", []byte("not a binary"))
	write("tiny", []byte{1})

	h := &BundleHasher{}
	first, err := h.HashBundle(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, first.BinaryCount)
	assert.Len(t, first.Hash, 64)

	again, err := h.HashBundle(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, again.Hash)

	write("bin/a", append([]byte{0x7f, 'E', 'L', 'F'}, []byte("changed")...))
	changed, err := h.HashBundle(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, changed.Hash)

	limited := &BundleHasher{MaxFiles: 1}
	_, err = limited.HashBundle(context.Background(), dir)
	assert.Error(t, err)
}
