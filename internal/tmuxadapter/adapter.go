package tmuxadapter

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config configures the Adapter.
type Config struct {
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	// GracePeriod is how long a pane survives after its owning session ends,
	// so a trailing /peek or /diff issued just after SessionEnd still has
	// something to read. 0 disables the grace period (panes die immediately).
	GracePeriod time.Duration
	BufferSize  int
}

// Adapter manages the panes backing every supervised session.
type Adapter struct {
	mu    sync.RWMutex
	panes map[string]*Pane

	defaultShell string
	defaultRows  int
	defaultCols  int
	gracePeriod  time.Duration
	bufferSize   int
}

// New creates an Adapter.
func New(cfg Config) *Adapter {
	grace := cfg.GracePeriod
	if grace < 0 {
		grace = 0
	}
	return &Adapter{
		panes:        make(map[string]*Pane),
		defaultShell: cfg.DefaultShell,
		defaultRows:  cfg.DefaultRows,
		defaultCols:  cfg.DefaultCols,
		gracePeriod:  grace,
		bufferSize:   cfg.BufferSize,
	}
}

// CreateSession starts a new pane backed by a real shell for sessionID,
// running the given initial command's environment and working directory.
// It returns the pane handle used for every other operation.
func (a *Adapter) CreateSession(sessionID, workDir string, env []string) (string, error) {
	handle, err := newPaneHandle()
	if err != nil {
		return "", fmt.Errorf("generate pane handle: %w", err)
	}

	pane, err := newPane(paneConfig{
		Handle:     handle,
		SessionID:  sessionID,
		Shell:      a.defaultShell,
		WorkDir:    workDir,
		Env:        env,
		Rows:       a.defaultRows,
		Cols:       a.defaultCols,
		BufferSize: a.bufferSize,
	})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.panes[handle] = pane
	a.mu.Unlock()
	return handle, nil
}

// ResolvePane returns the pane handle currently backing sessionID, or ""
// if the session has no live pane (never created, or already reaped past
// its grace period).
func (a *Adapter) ResolvePane(sessionID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for h, p := range a.panes {
		if p.SessionID == sessionID {
			return h
		}
	}
	return ""
}

// CaptureLines returns the last n lines of a pane's output, including
// scrollback, oldest first.
func (a *Adapter) CaptureLines(handle string, n int) ([]string, error) {
	pane, err := a.get(handle)
	if err != nil {
		return nil, err
	}
	return pane.captureLines(n), nil
}

// InjectKeys types text into the pane followed by Return.
func (a *Adapter) InjectKeys(handle, text string) error {
	pane, err := a.get(handle)
	if err != nil {
		return err
	}
	return pane.inject(text)
}

// Interrupt delivers an interrupt signal to the pane's foreground process.
func (a *Adapter) Interrupt(handle string) error {
	pane, err := a.get(handle)
	if err != nil {
		return err
	}
	return pane.interrupt()
}

func (a *Adapter) get(handle string) (*Pane, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.panes[handle]
	if !ok {
		return nil, fmt.Errorf("tmuxadapter: unknown pane %q", handle)
	}
	return p, nil
}

// EndSession marks the pane backing sessionID orphaned: it is kept alive
// for the configured grace period (so a trailing /peek or /diff still has
// something to read) and then reaped. With no grace period configured the
// pane is closed immediately.
func (a *Adapter) EndSession(sessionID string) {
	a.mu.Lock()
	var pane *Pane
	var handle string
	for h, p := range a.panes {
		if p.SessionID == sessionID {
			pane, handle = p, h
			break
		}
	}
	a.mu.Unlock()
	if pane == nil {
		return
	}

	if a.gracePeriod <= 0 {
		a.removePane(handle)
		return
	}

	pane.mu.Lock()
	pane.orphaned = true
	pane.orphanedAt = time.Now()
	if pane.orphanTmr != nil {
		pane.orphanTmr.Stop()
	}
	pane.orphanTmr = time.AfterFunc(a.gracePeriod, func() {
		a.reapOrphaned(handle)
	})
	pane.mu.Unlock()
	slog.Info("pane orphaned, scheduled for cleanup", "session_id", sessionID, "grace_period", a.gracePeriod)
}

func (a *Adapter) reapOrphaned(handle string) {
	a.mu.RLock()
	pane, ok := a.panes[handle]
	a.mu.RUnlock()
	if !ok {
		return
	}

	pane.mu.Lock()
	stillOrphaned := pane.orphaned
	pane.mu.Unlock()
	if !stillOrphaned {
		return
	}
	a.removePane(handle)
}

func (a *Adapter) removePane(handle string) {
	a.mu.Lock()
	pane, ok := a.panes[handle]
	if ok {
		delete(a.panes, handle)
	}
	a.mu.Unlock()
	if ok {
		_ = pane.close()
	}
}

// CloseAll closes every pane, for use during shutdown.
func (a *Adapter) CloseAll() {
	a.mu.Lock()
	panes := make([]*Pane, 0, len(a.panes))
	for _, p := range a.panes {
		panes = append(panes, p)
	}
	a.panes = make(map[string]*Pane)
	a.mu.Unlock()

	for _, p := range panes {
		_ = p.close()
	}
}

func newPaneHandle() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "%" + hex.EncodeToString(b), nil
}
