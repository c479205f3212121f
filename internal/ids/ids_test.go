package ids

import "testing"

func TestNewIsSortableAndValid(t *testing.T) {
	a := New()
	b := New()
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %q then %q", a, b)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "req-123", "<script>"} {
		if Valid(in) {
			t.Fatalf("Valid(%q) = true, want false", in)
		}
	}
}
