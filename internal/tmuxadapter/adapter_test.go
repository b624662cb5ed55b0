package tmuxadapter

import (
	"strings"
	"testing"
	"time"
)

func TestCreateSessionAndCaptureOutput(t *testing.T) {
	a := New(Config{DefaultShell: "/bin/sh", DefaultRows: 24, DefaultCols: 80})

	handle, err := a.CreateSession("sess-1", "", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer a.CloseAll()

	if err := a.InjectKeys(handle, "echo hello-pane"); err != nil {
		t.Fatalf("InjectKeys: %v", err)
	}

	var lines []string
	for i := 0; i < 20; i++ {
		lines, _ = a.CaptureLines(handle, 30)
		if containsSubstring(lines, "hello-pane") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !containsSubstring(lines, "hello-pane") {
		t.Fatalf("expected captured output to contain hello-pane, got %v", lines)
	}
}

func TestResolvePaneReturnsEmptyForUnknownSession(t *testing.T) {
	a := New(Config{DefaultShell: "/bin/sh"})
	if got := a.ResolvePane("no-such-session"); got != "" {
		t.Fatalf("expected empty handle, got %q", got)
	}
}

func TestCaptureLinesOnUnknownPaneErrors(t *testing.T) {
	a := New(Config{DefaultShell: "/bin/sh"})
	if _, err := a.CaptureLines("%deadbeef", 15); err == nil {
		t.Fatal("expected error for unknown pane handle")
	}
}

func TestEndSessionWithGracePeriodKeepsPaneReadable(t *testing.T) {
	a := New(Config{DefaultShell: "/bin/sh", GracePeriod: 200 * time.Millisecond})
	handle, err := a.CreateSession("sess-2", "", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	a.EndSession("sess-2")

	// Still readable immediately after EndSession, within the grace period.
	if _, err := a.CaptureLines(handle, 15); err != nil {
		t.Fatalf("expected pane still readable during grace period: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	if _, err := a.CaptureLines(handle, 15); err == nil {
		t.Fatal("expected pane reaped after grace period elapsed")
	}
}

func TestEndSessionWithNoGracePeriodReapsImmediately(t *testing.T) {
	a := New(Config{DefaultShell: "/bin/sh"})
	handle, err := a.CreateSession("sess-3", "", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	a.EndSession("sess-3")

	if _, err := a.CaptureLines(handle, 15); err == nil {
		t.Fatal("expected pane reaped immediately with no grace period")
	}
}

func containsSubstring(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
