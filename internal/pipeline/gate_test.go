package pipeline

import "testing"

func TestGate(t *testing.T) {
	reopened := 0
	g := NewGate(func() { reopened++ })

	if g.Closed() {
		t.Fatal("new gate should be open")
	}

	release := g.Close("bulk_import")
	if !g.Closed() {
		t.Fatal("gate should be closed")
	}
	if g.Reason() != "bulk_import" {
		t.Errorf("Reason = %q, want bulk_import", g.Reason())
	}

	release()
	if g.Closed() {
		t.Fatal("gate should reopen on release")
	}
	if reopened != 1 {
		t.Errorf("onReopen ran %d times, want 1", reopened)
	}

	// Release is idempotent: deferred and explicit calls may both run.
	release()
	release()
	if reopened != 1 {
		t.Errorf("onReopen ran %d times after repeat release, want 1", reopened)
	}
}

// TestGate_OverlappingHolders tests that each Close gets its own release
// and a stale release still reopens unconditionally
func TestGate_OverlappingHolders(t *testing.T) {
	g := NewGate(nil)

	release1 := g.Close("bulk_import")
	release2 := g.Close("pull_history")

	release1()
	if g.Closed() {
		t.Error("release should reopen the gate")
	}
	release2()
	if g.Closed() {
		t.Error("second release should leave the gate open")
	}
}
