package router

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/store"
)

func (r *Router) handleCommand(ctx context.Context, u chattransport.Update) {
	args := strings.TrimSpace(u.CommandArgs)
	switch u.CommandName {
	case "/peek":
		r.cmdPeek(ctx)
	case "/diff":
		r.cmdDiff(ctx)
	case "/log":
		r.cmdLog(ctx)
	case "/sessions":
		r.cmdSessions(ctx)
	case "/switch":
		r.cmdSwitch(ctx, args)
	case "/start":
		r.cmdStart(ctx)
	default:
		r.send(ctx, fmt.Sprintf("unrecognized command %q", u.CommandName), nil)
	}
}

func (r *Router) cmdPeek(ctx context.Context) {
	sess, err := r.resolveTargetSession()
	if err != nil {
		r.send(ctx, fmt.Sprintf("no session to peek at: %v", err), nil)
		return
	}
	snippet := r.captureContext(sess.ID, r.cfg.ContextLines)
	if snippet == "" {
		r.send(ctx, fmt.Sprintf("%s: no pane output available", sessionLabel(sess)), nil)
		return
	}
	r.sendLarge(ctx, sessionLabel(sess)+"-peek.txt", fmt.Sprintf("%s:\n%s", sessionLabel(sess), snippet))
}

func (r *Router) cmdLog(ctx context.Context) {
	sess, err := r.resolveTargetSession()
	if err != nil {
		r.send(ctx, fmt.Sprintf("no session to read: %v", err), nil)
		return
	}
	snippet := r.captureContext(sess.ID, r.cfg.LogLines)
	if snippet == "" {
		r.send(ctx, fmt.Sprintf("%s: no pane output available", sessionLabel(sess)), nil)
		return
	}
	r.sendLarge(ctx, sessionLabel(sess)+"-log.txt", fmt.Sprintf("%s (last %d lines):\n%s", sessionLabel(sess), r.cfg.LogLines, snippet))
}

// cmdDiff shells out to git directly (not through the tmux-backed pane),
// since it reads repository state rather than terminal output. A failure
// here — not a git repo, dirty worktree lock, no git binary — is an
// adapter error scoped to this command; it never affects other sessions.
//
// The first /diff for a session sends the full working-tree diff. Every
// /diff after that sends only what changed since the previous call,
// computed with a line-level diffmatchpatch pass over the two git-diff
// snapshots — useful once an agent has been running long enough that the
// full diff is mostly things the operator has already seen.
func (r *Router) cmdDiff(ctx context.Context) {
	sess, err := r.resolveTargetSession()
	if err != nil {
		r.send(ctx, fmt.Sprintf("no session to diff: %v", err), nil)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "git", "-C", sess.WorkDir, "diff").CombinedOutput()
	if err != nil {
		r.send(ctx, fmt.Sprintf("%s: git diff failed: %v", sessionLabel(sess), err), nil)
		return
	}
	current := r.redactor.Redact(string(out))
	if strings.TrimSpace(current) == "" {
		r.send(ctx, fmt.Sprintf("%s: no changes", sessionLabel(sess)), nil)
		r.setLastDiff(sess.ID, "")
		return
	}

	prev, hadPrev := r.takeLastDiff(sess.ID)
	r.setLastDiff(sess.ID, current)

	if !hadPrev || prev == "" {
		r.sendLarge(ctx, sessionLabel(sess)+".diff", current)
		return
	}
	if prev == current {
		r.send(ctx, fmt.Sprintf("%s: no changes since last /diff", sessionLabel(sess)), nil)
		return
	}

	delta := diffSincePrevious(prev, current)
	if strings.TrimSpace(delta) == "" {
		r.send(ctx, fmt.Sprintf("%s: no changes since last /diff", sessionLabel(sess)), nil)
		return
	}
	r.sendLarge(ctx, sessionLabel(sess)+".diff", fmt.Sprintf("%s (since last /diff):\n%s", sessionLabel(sess), delta))
}

// diffSincePrevious returns a unified-patch rendering of what changed
// between two full git-diff snapshots, computed line-by-line so the patch
// stays readable instead of operating character by character.
func diffSincePrevious(prev, current string) string {
	differ := diffmatchpatch.New()
	a, b, lines := differ.DiffLinesToChars(prev, current)
	diffs := differ.DiffMain(a, b, false)
	diffs = differ.DiffCharsToLines(diffs, lines)
	patches := differ.PatchMake(prev, diffs)
	return differ.PatchToText(patches)
}

func (r *Router) setLastDiff(sessionID, snapshot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDiffBySess[sessionID] = snapshot
}

// takeLastDiff returns the previous /diff snapshot for sessionID, and
// whether one had been recorded at all (as opposed to recorded-but-empty).
func (r *Router) takeLastDiff(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.lastDiffBySess[sessionID]
	return snap, ok
}

func (r *Router) cmdSessions(ctx context.Context) {
	filter := store.SessionFilter{}
	switch {
	case r.cfg.SessionsRecencyWindow < 0:
		filter.IncludeAllEnded = true
	case r.cfg.SessionsRecencyWindow > 0:
		filter.Since = time.Now().Add(-r.cfg.SessionsRecencyWindow)
	}

	sessions, err := r.store.ListSessions(filter)
	if err != nil {
		r.send(ctx, fmt.Sprintf("failed to list sessions: %v", err), nil)
		return
	}
	if len(sessions) == 0 {
		r.send(ctx, "no sessions", nil)
		return
	}

	def := r.getDefaultSession()
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, s := range sessions {
		marker := "  "
		if s.ID == def {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s%s [%s] %s\n", marker, sessionLabel(s), s.Status, s.WorkDir)
	}
	r.sendLarge(ctx, "sessions.txt", b.String())
}

func (r *Router) cmdSwitch(ctx context.Context, name string) {
	if name == "" {
		r.send(ctx, "usage: /switch <name>", nil)
		return
	}
	sessions, err := r.store.ListSessions(store.SessionFilter{IncludeAllEnded: true})
	if err != nil {
		r.send(ctx, fmt.Sprintf("failed to list sessions: %v", err), nil)
		return
	}
	for _, s := range sessions {
		if s.Name == name || s.ID == name {
			r.SetDefaultSession(s.ID)
			r.send(ctx, fmt.Sprintf("switched to %s", sessionLabel(s)), nil)
			return
		}
	}
	r.send(ctx, fmt.Sprintf("no session named %q", name), nil)
}

func (r *Router) cmdStart(ctx context.Context) {
	sess, err := r.resolveTargetSession()
	if err != nil {
		r.send(ctx, "codelatch is running; no active session yet", nil)
		return
	}
	r.send(ctx, fmt.Sprintf("codelatch is running; current session is %s", sessionLabel(sess)), nil)
}
