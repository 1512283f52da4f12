package controller

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_CreateAndDelete(t *testing.T) {
	r := NewRegistry()

	s, err := r.Create("lec-1", func() (*Session, error) { return &Session{lectureID: "lec-1"}, nil })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.lectureID != "lec-1" {
		t.Errorf("lectureID = %q, want %q", s.lectureID, "lec-1")
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	r.Delete("lec-1")
	if got := r.Len(); got != 0 {
		t.Errorf("Len() after Delete = %d, want 0", got)
	}
}

func TestRegistry_CreateDuplicateRejected(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Create("lec-1", func() (*Session, error) { return &Session{lectureID: "lec-1"}, nil }); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err := r.Create("lec-1", func() (*Session, error) { return &Session{lectureID: "lec-1"}, nil })
	if err == nil {
		t.Fatal("second Create for the same lecture id should return an error")
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() after rejected duplicate = %d, want 1", got)
	}
}

func TestRegistry_CreateNewFnError(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create("lec-1", func() (*Session, error) { return nil, errors.New("construction failed") })
	if err == nil {
		t.Fatal("expected error to propagate from newFn")
	}
	// A failed construction must not leave a half-registered entry behind.
	if got := r.Len(); got != 0 {
		t.Errorf("Len() after failed Create = %d, want 0", got)
	}
}

func TestRegistry_DeleteUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Delete("does-not-exist")
	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestRegistry_ConcurrentCreateDelete(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("lec-%d", i)
			if _, err := r.Create(id, func() (*Session, error) { return &Session{lectureID: id}, nil }); err != nil {
				t.Errorf("Create(%s): %v", id, err)
				return
			}
			r.Delete(id)
		}(i)
	}
	wg.Wait()

	if got := r.Len(); got != 0 {
		t.Errorf("Len() after concurrent create/delete = %d, want 0", got)
	}
}
