package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned by Stop when no live process owns the PID file.
var ErrNotRunning = errors.New("not running")

// pollInterval is how often Stop checks whether the process has exited.
var pollInterval = 100 * time.Millisecond

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Stop sends term to the recorded process and waits up to grace for it to
// exit, escalating to kill afterwards. The PID file is removed once the
// process is gone. A stale PID file is removed and reported as ErrNotRunning.
func (p *PIDFile) Stop(term, kill syscall.Signal, grace time.Duration) error {
	pid, running := p.IsRunning()
	if !running {
		_ = p.Remove()
		return ErrNotRunning
	}

	if err := p.Signal(term); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	if !p.waitExit(grace) {
		if err := p.Signal(kill); err != nil {
			return fmt.Errorf("kill process %d: %w", pid, err)
		}
		if !p.waitExit(grace) {
			return fmt.Errorf("process %d did not exit", pid)
		}
	}

	if err := p.Remove(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *PIDFile) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, running := p.IsRunning(); !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
