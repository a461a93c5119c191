package testfixtures

import (
	"testing"

	"github.com/google/uuid"
)

func TestIDGeneratorProducesSequentialIDs(t *testing.T) {
	gen := NewIDGenerator("session")

	first := gen.Next()
	second := gen.Next()

	if first != "session-1" || second != "session-2" {
		t.Fatalf("unexpected identifiers: %q, %q", first, second)
	}
}

func TestIDGeneratorReset(t *testing.T) {
	gen := NewIDGenerator("")
	_ = gen.Next()
	gen.Reset()

	if next := gen.Next(); next != "id-1" {
		t.Fatalf("expected id-1 after reset, got %q", next)
	}
}

func TestIDGeneratorUUIDsAreStable(t *testing.T) {
	a := NewIDGenerator("event")
	b := NewIDGenerator("event")

	first := a.NextUUID()
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("NextUUID returned %q: %v", first, err)
	}
	if got := b.NextUUID(); got != first {
		t.Fatalf("expected the same uuid from a fresh generator, got %q and %q", first, got)
	}
	if a.NextUUID() == first {
		t.Fatal("consecutive uuids must differ")
	}
}
