// Package tmuxadapter implements the terminal-multiplexer adapter contract:
// create a named pane backed by a real shell, capture its recent output
// including scrollback, inject keystrokes, and deliver an interrupt to its
// foreground process. Failures here are fatal only to the request that
// provoked them, never to the daemon.
package tmuxadapter

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Pane is one supervised pane: a shell process attached to a PTY, with a
// bounded output buffer behind it.
type Pane struct {
	Handle    string
	SessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	buf       *ringBuffer
	createdAt time.Time

	mu         sync.Mutex
	orphaned   bool
	orphanedAt time.Time
	orphanTmr  *time.Timer
	closed     bool
}

// paneConfig configures a new Pane.
type paneConfig struct {
	Handle     string
	SessionID  string
	Shell      string
	WorkDir    string
	Env        []string
	Rows, Cols int
	BufferSize int
}

func newPane(cfg paneConfig) (*Pane, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pane shell: %w", err)
	}

	p := &Pane{
		Handle:    cfg.Handle,
		SessionID: cfg.SessionID,
		cmd:       cmd,
		ptmx:      ptmx,
		buf:       newRingBuffer(cfg.BufferSize),
		createdAt: time.Now(),
	}
	p.startReader()
	return p, nil
}

func (p *Pane) startReader() {
	go func() {
		chunk := make([]byte, 4096)
		for {
			n, err := p.ptmx.Read(chunk)
			if n > 0 {
				p.buf.Write(chunk[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

// inject writes text followed by Return into the pane, as if typed.
func (p *Pane) inject(text string) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("tmuxadapter: pane %s is closed", p.Handle)
	}
	if _, err := p.ptmx.Write([]byte(text)); err != nil {
		return fmt.Errorf("inject keys: %w", err)
	}
	if _, err := p.ptmx.Write([]byte("\r")); err != nil {
		return fmt.Errorf("inject return: %w", err)
	}
	return nil
}

// interrupt delivers SIGINT to the pane's foreground process.
func (p *Pane) interrupt() error {
	p.mu.Lock()
	proc := p.cmd.Process
	p.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("tmuxadapter: pane %s has no running process", p.Handle)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("interrupt pane: %w", err)
	}
	return nil
}

func (p *Pane) captureLines(n int) []string {
	return p.buf.lastLines(n)
}

func (p *Pane) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.orphanTmr != nil {
		p.orphanTmr.Stop()
	}
	p.mu.Unlock()

	err := p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
	}
	return err
}
