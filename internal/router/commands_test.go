package router

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raphaeltm/codelatch/internal/chattransport"
)

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git %v unavailable in test environment: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", "a.txt")
	run("commit", "-m", "initial")
}

func writeAndDiff(t *testing.T, r *Router, dir, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind: chattransport.UpdateCommand, CommandName: "/diff", FromChatID: "42",
	})
}

func TestDiffCommandSendsFullDiffOnFirstCall(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)
	dir := t.TempDir()
	initGitRepo(t, dir)
	if _, err := st.UpsertSession("s1", "alpha", dir, "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	writeAndDiff(t, r, dir, "one\ntwo\n")

	sent := tr.lastSend().text
	if !strings.Contains(sent, "+two") {
		t.Fatalf("expected full diff with +two, got %q", sent)
	}
}

func TestDiffCommandSendsOnlyDeltaOnSecondCall(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)
	dir := t.TempDir()
	initGitRepo(t, dir)
	if _, err := st.UpsertSession("s1", "alpha", dir, "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	writeAndDiff(t, r, dir, "one\ntwo\n")
	writeAndDiff(t, r, dir, "one\ntwo\nthree\n")

	sent := tr.lastSend().text
	if !strings.Contains(sent, "since last /diff") {
		t.Fatalf("expected delta message framing, got %q", sent)
	}
	if !strings.Contains(sent, "three") {
		t.Fatalf("expected delta to mention the newest line, got %q", sent)
	}
}

func TestDiffCommandReportsNoChangesSinceLastCall(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)
	dir := t.TempDir()
	initGitRepo(t, dir)
	if _, err := st.UpsertSession("s1", "alpha", dir, "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	writeAndDiff(t, r, dir, "one\ntwo\n")
	writeAndDiff(t, r, dir, "one\ntwo\n")

	if !strings.Contains(tr.lastSend().text, "no changes since last /diff") {
		t.Fatalf("expected no-changes message, got %q", tr.lastSend().text)
	}
}
