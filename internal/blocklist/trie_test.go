package blocklist

import (
	"strings"
	"testing"
)

func mustLoad(t *testing.T, lines string) *Tree {
	t.Helper()
	tr := New()
	if _, err := tr.Reload(strings.NewReader(lines)); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	return tr
}

func TestExactMatch(t *testing.T) {
	tr := mustLoad(t, "ads.example.com\n")
	if !tr.IsBlocked("ads.example.com") {
		t.Error("expected ads.example.com to be blocked")
	}
	if tr.IsBlocked("example.com") {
		t.Error("parent domain should not be blocked by a more specific pattern")
	}
	if tr.IsBlocked("other.example.com") {
		t.Error("sibling domain should not be blocked")
	}
}

func TestCaseAndTrailingDotInsensitive(t *testing.T) {
	tr := mustLoad(t, "example.com\n")
	if tr.IsBlocked("Example.COM") != tr.IsBlocked("example.com") {
		t.Error("case should not affect blocking result")
	}
	if !tr.IsBlocked("example.com.") {
		t.Error("trailing dot should be normalized away")
	}
}

func TestWildcardDominance(t *testing.T) {
	tr := mustLoad(t, "*.foo\n")
	for _, name := range []string{"bar.foo", "a.b.c.foo", "x.foo"} {
		if !tr.IsBlocked(name) {
			t.Errorf("%q should be blocked under wildcard *.foo", name)
		}
	}
	if tr.IsBlocked("foo") {
		t.Error("the wildcard's own parent label alone should not match")
	}
}

func TestWildcardDoesNotBlockUnrelatedDomain(t *testing.T) {
	tr := mustLoad(t, "*.tracker.net\n")
	if !tr.IsBlocked("foo.bar.tracker.net") {
		t.Error("foo.bar.tracker.net should be blocked (nested under wildcard)")
	}
	if tr.IsBlocked("tracker.net") {
		t.Error("tracker.net itself (no wildcard match, no terminal match) should not be blocked")
	}
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	tr := mustLoad(t, "# comment\n\nads.example.com\n  \n")
	if !tr.IsBlocked("ads.example.com") {
		t.Error("pattern after comments/blank lines should still load")
	}
}

func TestMergeUpgradesToTerminalNeverDowngrades(t *testing.T) {
	// "sub.example.com" passes through the "example" node (under "com")
	// without marking it terminal, while "example.com" ends at that same
	// node and marks it terminal. Insert the deeper pattern first, then
	// the shorter one, and check the terminal flag sticks.
	tr := mustLoad(t, "sub.example.com\nexample.com\n")
	if !tr.IsBlocked("example.com") {
		t.Error("example.com should be blocked once inserted as terminal")
	}
	if !tr.IsBlocked("sub.example.com") {
		t.Error("sub.example.com should still be blocked")
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	tr := mustLoad(t, "old.example.com\n")
	if !tr.IsBlocked("old.example.com") {
		t.Fatal("setup: old pattern should be blocked before reload")
	}
	if _, err := tr.Reload(strings.NewReader("new.example.com\n")); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if tr.IsBlocked("old.example.com") {
		t.Error("old pattern should no longer be blocked after reload")
	}
	if !tr.IsBlocked("new.example.com") {
		t.Error("new pattern should be blocked after reload")
	}
}

func TestReloadReportsPatternCount(t *testing.T) {
	tr := New()
	stats, err := tr.Reload(strings.NewReader("a.com\nb.com\n# skip\nc.com\n"))
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if stats.Patterns != 3 {
		t.Errorf("Patterns = %d, want 3", stats.Patterns)
	}
}
