// Package terminal runs one interactive shell per room behind a
// pseudo-terminal and fans its output out to the room.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/hinshun/vt10x"
	"go.uber.org/zap"
)

// ErrNoSession is returned by Write when the room has no running shell.
var ErrNoSession = errors.New("no terminal session for room")

const readChunk = 4096

// Sink receives everything a room's shell produces.
type Sink interface {
	TerminalOutput(room string, data []byte)
	TerminalExit(room string, exitCode int)
}

// Config controls how shells are spawned and reaped.
type Config struct {
	// Shell is a command line such as "/bin/bash" or "bash -l".
	Shell string
	Dir   string
	Cols  uint16
	Rows  uint16

	// IdleGrace is how long a session may outlive the last member of its
	// room. Zero disables reaping.
	IdleGrace    time.Duration
	ReapInterval time.Duration
}

// Info describes a running session.
type Info struct {
	Pid       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	StartedAt time.Time `json:"startedAt"`
	IdleSince time.Time `json:"idleSince,omitempty"`
}

type session struct {
	room      string
	cmd       *exec.Cmd
	pty       *os.File
	startedAt time.Time

	writeMu sync.Mutex

	vtMu sync.Mutex
	vt   vt10x.Terminal
	cols uint16
	rows uint16

	// idleSince is guarded by Multiplexer.mu.
	idleSince time.Time
	done      chan struct{}
}

// Multiplexer owns the room -> shell mapping.
type Multiplexer struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a multiplexer. No shell is started until EnsureSession.
func New(cfg Config, sink Sink, logger *zap.Logger) *Multiplexer {
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 30
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &Multiplexer{
		cfg:      cfg,
		sink:     sink,
		logger:   logger.Named("terminal"),
		sessions: make(map[string]*session),
	}
}

// EnsureSession starts a shell for room unless one is running. It reports
// whether a new shell was started. An existing session stops being idle.
func (m *Multiplexer) EnsureSession(room string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errors.New("terminal multiplexer closed")
	}
	if s, ok := m.sessions[room]; ok {
		s.idleSince = time.Time{}
		return false, nil
	}

	name, args := parseCommand(m.cfg.Shell)
	if name == "" {
		return false, errors.New("no shell configured")
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = m.cfg.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: m.cfg.Rows, Cols: m.cfg.Cols})
	if err != nil {
		return false, fmt.Errorf("starting shell: %w", err)
	}

	s := &session{
		room:      room,
		cmd:       cmd,
		pty:       ptmx,
		startedAt: time.Now(),
		vt:        vt10x.New(vt10x.WithSize(int(m.cfg.Cols), int(m.cfg.Rows))),
		cols:      m.cfg.Cols,
		rows:      m.cfg.Rows,
		done:      make(chan struct{}),
	}
	m.sessions[room] = s
	go m.readLoop(s)

	m.logger.Info("terminal session started",
		zap.String("room", room), zap.Int("pid", cmd.Process.Pid))
	return true, nil
}

// readLoop copies shell output into the virtual screen and the sink until
// the process exits, then drops the session. Shells are not restarted.
func (m *Multiplexer) readLoop(s *session) {
	defer close(s.done)

	buf := make([]byte, readChunk)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.vtMu.Lock()
			_, _ = s.vt.Write(chunk)
			s.vtMu.Unlock()

			m.sink.TerminalOutput(s.room, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.logger.Debug("pty read ended", zap.String("room", s.room), zap.Error(err))
			}
			break
		}
	}

	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	_ = s.pty.Close()

	m.mu.Lock()
	owned := m.sessions[s.room] == s
	if owned {
		delete(m.sessions, s.room)
	}
	m.mu.Unlock()

	m.logger.Info("terminal session exited",
		zap.String("room", s.room), zap.Int("exit_code", exitCode))
	// Reaped and closed sessions were already detached; the room may have
	// a newer shell by now.
	if owned {
		m.sink.TerminalExit(s.room, exitCode)
	}
}

// Write forwards input to the room's shell verbatim.
func (m *Multiplexer) Write(room string, data []byte) error {
	s := m.lookup(room)
	if s == nil {
		return ErrNoSession
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.pty.Write(data); err != nil {
		return fmt.Errorf("writing to terminal: %w", err)
	}
	return nil
}

// Resize sets the pty and virtual screen size. Failures are logged, the
// shell may already be gone.
func (m *Multiplexer) Resize(room string, cols, rows uint16) {
	s := m.lookup(room)
	if s == nil {
		return
	}
	if err := pty.Setsize(s.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		m.logger.Warn("terminal resize failed",
			zap.String("room", room), zap.Uint16("cols", cols), zap.Uint16("rows", rows), zap.Error(err))
		return
	}
	s.vtMu.Lock()
	s.vt.Resize(int(cols), int(rows))
	s.cols, s.rows = cols, rows
	s.vtMu.Unlock()
}

// Snapshot returns escape sequences that redraw the room's current screen,
// for members joining a room whose shell is already running.
func (m *Multiplexer) Snapshot(room string) ([]byte, bool) {
	s := m.lookup(room)
	if s == nil {
		return nil, false
	}
	s.vtMu.Lock()
	defer s.vtMu.Unlock()
	return renderScreen(s.vt), true
}

// Has reports whether room has a running shell.
func (m *Multiplexer) Has(room string) bool {
	return m.lookup(room) != nil
}

// Info describes room's session.
func (m *Multiplexer) Info(room string) (Info, bool) {
	m.mu.Lock()
	s, ok := m.sessions[room]
	var idle time.Time
	if ok {
		idle = s.idleSince
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}

	s.vtMu.Lock()
	cols, rows := s.cols, s.rows
	s.vtMu.Unlock()
	return Info{
		Pid:       s.cmd.Process.Pid,
		Cols:      cols,
		Rows:      rows,
		StartedAt: s.startedAt,
		IdleSince: idle,
	}, true
}

// MarkIdle records that room has no members left.
func (m *Multiplexer) MarkIdle(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[room]; ok && s.idleSince.IsZero() {
		s.idleSince = time.Now()
	}
}

// Reap kills sessions that have been idle longer than the grace period and
// returns how many it killed.
func (m *Multiplexer) Reap(now time.Time) int {
	if m.cfg.IdleGrace <= 0 {
		return 0
	}

	m.mu.Lock()
	var expired []*session
	for room, s := range m.sessions {
		if !s.idleSince.IsZero() && now.Sub(s.idleSince) >= m.cfg.IdleGrace {
			expired = append(expired, s)
			delete(m.sessions, room)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("reaping idle terminal session",
			zap.String("room", s.room), zap.Duration("idle", now.Sub(s.idleSince)))
		kill(s)
	}
	return len(expired)
}

// RunReaper calls Reap every ReapInterval until ctx is done.
func (m *Multiplexer) RunReaper(ctx context.Context) error {
	if m.cfg.IdleGrace <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}

// Close kills every shell and waits for their readers to finish.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*session, 0, len(m.sessions))
	for room, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, room)
	}
	m.mu.Unlock()

	for _, s := range all {
		kill(s)
	}
	for _, s := range all {
		<-s.done
	}
}

func (m *Multiplexer) lookup(room string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[room]
}

// kill stops the shell. Closing the pty unblocks the reader, which then
// reaps the process.
func kill(s *session) {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.pty.Close()
}

func parseCommand(cmdline string) (string, []string) {
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
