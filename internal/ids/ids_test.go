package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesVersion7(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct identifiers")
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("identifier is not a uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}
