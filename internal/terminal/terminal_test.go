package terminal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hinshun/vt10x"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	output map[string]*bytes.Buffer
	exits  map[string][]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		output: make(map[string]*bytes.Buffer),
		exits:  make(map[string][]int),
	}
}

func (r *recordingSink) TerminalOutput(room string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output[room] == nil {
		r.output[room] = &bytes.Buffer{}
	}
	r.output[room].Write(data)
}

func (r *recordingSink) TerminalExit(room string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits[room] = append(r.exits[room], code)
}

func (r *recordingSink) outputOf(room string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output[room] == nil {
		return ""
	}
	return r.output[room].String()
}

func (r *recordingSink) exitsOf(room string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exits[room]...)
}

func requireShell(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s not available: %v", path, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, "timed out waiting for %s", what)
}

func newCat(t *testing.T, sink Sink, grace time.Duration) *Multiplexer {
	t.Helper()
	requireShell(t, "/bin/cat")
	m := New(Config{Shell: "/bin/cat", Dir: os.TempDir(), IdleGrace: grace}, sink, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func ensure(t *testing.T, m *Multiplexer, room string) {
	t.Helper()
	_, err := m.EnsureSession(room)
	require.NoError(t, err, "EnsureSession(%s)", room)
}

func TestEnsureSession_StartsOnce(t *testing.T) {
	m := newCat(t, newRecordingSink(), 0)

	created, err := m.EnsureSession("r1")
	require.NoError(t, err)
	assert.True(t, created, "first EnsureSession should start a shell")

	created, err = m.EnsureSession("r1")
	require.NoError(t, err)
	assert.False(t, created, "second EnsureSession should reuse the shell")

	info, ok := m.Info("r1")
	require.True(t, ok, "expected session info")
	assert.Equal(t, uint16(80), info.Cols)
	assert.Equal(t, uint16(30), info.Rows)
	assert.NotZero(t, info.Pid)
}

func TestWrite_EchoesToSink(t *testing.T) {
	sink := newRecordingSink()
	m := newCat(t, sink, 0)

	ensure(t, m, "r1")
	require.NoError(t, m.Write("r1", []byte("hello\n")))

	waitFor(t, "echo", func() bool { return strings.Contains(sink.outputOf("r1"), "hello") })
}

func TestWrite_NoSession(t *testing.T) {
	m := New(Config{Shell: "/bin/cat"}, newRecordingSink(), zap.NewNop())
	assert.ErrorIs(t, m.Write("nope", []byte("x")), ErrNoSession)
}

func TestRoomsAreIsolated(t *testing.T) {
	sink := newRecordingSink()
	m := newCat(t, sink, 0)

	ensure(t, m, "a")
	ensure(t, m, "b")
	require.NoError(t, m.Write("a", []byte("only-a\n")))

	waitFor(t, "output in a", func() bool { return strings.Contains(sink.outputOf("a"), "only-a") })
	assert.NotContains(t, sink.outputOf("b"), "only-a", "room b received room a's output")
}

func TestSnapshot_ReflectsScreen(t *testing.T) {
	m := newCat(t, newRecordingSink(), 0)

	_, ok := m.Snapshot("r1")
	assert.False(t, ok, "snapshot of a missing session should report false")
	ensure(t, m, "r1")
	require.NoError(t, m.Write("r1", []byte("snapshot-me\n")))

	waitFor(t, "snapshot", func() bool {
		snap, ok := m.Snapshot("r1")
		return ok && bytes.Contains(snap, []byte("snapshot-me"))
	})
}

func TestResize(t *testing.T) {
	m := newCat(t, newRecordingSink(), 0)
	ensure(t, m, "r1")

	m.Resize("r1", 120, 40)
	m.Resize("missing", 120, 40)

	info, _ := m.Info("r1")
	assert.Equal(t, uint16(120), info.Cols)
	assert.Equal(t, uint16(40), info.Rows)
}

func TestExit_RemovesSessionWithoutRestart(t *testing.T) {
	requireShell(t, "/bin/sh")
	script := filepath.Join(t.TempDir(), "exit3.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755))

	sink := newRecordingSink()
	m := New(Config{Shell: script}, sink, zap.NewNop())
	t.Cleanup(m.Close)
	ensure(t, m, "r1")

	waitFor(t, "exit report", func() bool { return len(sink.exitsOf("r1")) == 1 })
	assert.Equal(t, []int{3}, sink.exitsOf("r1"))
	assert.False(t, m.Has("r1"), "session should be removed after exit")
	assert.ErrorIs(t, m.Write("r1", []byte("x")), ErrNoSession)
}

func TestReap(t *testing.T) {
	sink := newRecordingSink()
	m := newCat(t, sink, time.Minute)

	ensure(t, m, "idle")
	ensure(t, m, "busy")
	m.MarkIdle("idle")

	assert.Zero(t, m.Reap(time.Now()), "nothing is reaped inside the grace period")
	assert.Equal(t, 1, m.Reap(time.Now().Add(2*time.Minute)))
	assert.False(t, m.Has("idle"), "idle session should be gone")
	assert.True(t, m.Has("busy"), "busy session should survive")
	assert.Empty(t, sink.exitsOf("idle"), "reaped sessions should not report an exit to the room")
}

func TestReap_RejoinClearsIdle(t *testing.T) {
	m := newCat(t, newRecordingSink(), time.Minute)

	ensure(t, m, "r1")
	m.MarkIdle("r1")
	ensure(t, m, "r1")

	assert.Zero(t, m.Reap(time.Now().Add(time.Hour)), "rejoined session was reaped")
}

func TestReap_DisabledByZeroGrace(t *testing.T) {
	m := newCat(t, newRecordingSink(), 0)
	ensure(t, m, "r1")
	m.MarkIdle("r1")
	assert.Zero(t, m.Reap(time.Now().Add(24*time.Hour)))
}

func TestClose_RejectsNewSessions(t *testing.T) {
	m := newCat(t, newRecordingSink(), 0)
	ensure(t, m, "r1")
	m.Close()

	assert.False(t, m.Has("r1"), "Close should drop sessions")
	_, err := m.EnsureSession("r2")
	assert.Error(t, err, "EnsureSession after Close should fail")
}

func TestRenderScreen(t *testing.T) {
	vt := vt10x.New(vt10x.WithSize(10, 3))
	_, _ = vt.Write([]byte("ab\r\n\x1b[31mred\x1b[0m"))

	got := string(renderScreen(vt))

	assert.True(t, strings.HasPrefix(got, "\x1b[2J\x1b[H"), "snapshot should start by clearing the screen: %q", got)
	assert.Contains(t, got, "ab\r\n", "first row missing or not trimmed")
	assert.Contains(t, got, "\x1b[38;5;1mred", "colour lost")
	assert.True(t, strings.HasSuffix(got, "\x1b[2;4H"), "cursor should end at row 2 col 4: %q", got)
}

func TestParseCommand(t *testing.T) {
	name, args := parseCommand("bash -l")
	assert.Equal(t, "bash", name)
	assert.Equal(t, []string{"-l"}, args)

	name, _ = parseCommand("   ")
	assert.Empty(t, name)
}
