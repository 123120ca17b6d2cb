package flotilla

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidIdentifier(t *testing.T) {
	valid := []string{"a", "agent", "Agent-1", "x_y-z", "2024", "A"}
	for _, s := range valid {
		if !ValidIdentifier(s) {
			t.Errorf("ValidIdentifier(%q) = false, want true", s)
		}
	}
	invalid := []string{
		"", "-leading", "_leading", "../etc", "a/b", `a\b`, "a b",
		"a\x00b", "a\nb", "café", "a.b", "a:b", "..",
	}
	for _, s := range invalid {
		if ValidIdentifier(s) {
			t.Errorf("ValidIdentifier(%q) = true, want false", s)
		}
	}
}

func TestSafePath(t *testing.T) {
	base := t.TempDir()

	p, err := SafePath(base, "agent", "job-1")
	if err != nil {
		t.Fatalf("SafePath: %v", err)
	}
	want := filepath.Join(base, "agent", "job-1")
	if p != want {
		t.Errorf("SafePath = %q, want %q", p, want)
	}
	if !strings.HasPrefix(p, base+string(filepath.Separator)) {
		t.Errorf("resolved path %q not under base %q", p, base)
	}
}

func TestSafePathRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	for _, parts := range [][]string{
		{"../etc"},
		{".."},
		{"a/b"},
		{""},
		{"ok", "../../escape"},
		{"-dash"},
	} {
		if _, err := SafePath(base, parts...); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("SafePath(%v): got %v, want ErrPathTraversal", parts, err)
		}
	}
	if _, err := SafePathSuffix(base, "/evil", "ok"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("suffix with separator: got %v, want ErrPathTraversal", err)
	}
	if _, err := SafePath(base); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("no parts: got %v, want ErrPathTraversal", err)
	}
}

func TestSafePathSuffix(t *testing.T) {
	base := t.TempDir()
	p, err := SafePathSuffix(base, ".json", "assistant")
	if err != nil {
		t.Fatalf("SafePathSuffix: %v", err)
	}
	if p != filepath.Join(base, "assistant.json") {
		t.Errorf("got %q", p)
	}
}

func TestNewJobID(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	id := NewJobID(now)
	if !strings.HasPrefix(id, "2026-08-24-") {
		t.Errorf("job ID %q missing date prefix", id)
	}
	if !ValidIdentifier(id) {
		t.Errorf("job ID %q is not a valid identifier", id)
	}
	if id == NewJobID(now) {
		t.Error("two job IDs collided")
	}
}

func TestIsSessionExpired(t *testing.T) {
	cases := map[string]bool{
		"Session not found: abc":          true,
		"upstream: session expired":       true,
		"No such session":                 true,
		"error code invalid_session_id":   true,
		"rate limited":                    false,
		"connection refused":              false,
	}
	for msg, want := range cases {
		if got := IsSessionExpired(errors.New(msg)); got != want {
			t.Errorf("IsSessionExpired(%q) = %v, want %v", msg, got, want)
		}
	}
	if IsSessionExpired(nil) {
		t.Error("IsSessionExpired(nil) = true")
	}
}

func TestClassifyExit(t *testing.T) {
	cases := []struct {
		err  error
		want ExitReason
	}{
		{nil, ExitSuccess},
		{errors.New("context canceled"), ExitCancelled},
		{errors.New("context deadline exceeded"), ExitTimeout},
		{errors.New("request timed out"), ExitTimeout},
		{errors.New("max_turns reached"), ExitMaxTurns},
		{errors.New("boom"), ExitError},
	}
	for _, c := range cases {
		if got := ClassifyExit(c.err); got != c.want {
			t.Errorf("ClassifyExit(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
