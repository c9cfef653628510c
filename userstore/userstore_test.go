package userstore

import "testing"

func TestIndexesCoverActiveAndUniqueness(t *testing.T) {
	s := &Store{}
	idx := s.Indexes()
	if len(idx) != 3 {
		t.Fatalf("expected 3 indexes, got %d", len(idx))
	}
}
