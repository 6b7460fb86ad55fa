package topic

import (
	"errors"
	"testing"
)

func TestRegistry_CreateAndExists(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Create("session-expiry"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !r.Exists("session-expiry") {
		t.Error("created topic does not exist")
	}
	if err := r.Create("session-expiry"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegistry_NameValidation(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bad := []string{"", "UPPER", "has space", "-leading", "a/b", string(make([]byte, 70))}
	for _, name := range bad {
		if err := r.Create(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) err = %v, want ErrInvalidName", name, err)
		}
		if err := r.Ensure(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Ensure(%q) err = %v, want ErrInvalidName", name, err)
		}
	}

	good := []string{"a", "retry-42", "0-day"}
	for _, name := range good {
		if err := r.Ensure(name); err != nil {
			t.Errorf("Ensure(%q): %v", name, err)
		}
	}
}

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Ensure("retries"); err != nil {
			t.Fatalf("Ensure #%d: %v", i, err)
		}
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestRegistry_DeleteAndList(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := r.Create(name); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
	}
	if err := r.Delete("bravo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete("bravo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}

	got := r.List()
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "charlie" {
		names := make([]string, len(got))
		for i, tp := range got {
			names[i] = tp.Name
		}
		t.Errorf("List = %v, want [alpha charlie]", names)
	}
}

func TestRegistry_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	r1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r1.Create("durable"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !r2.Exists("durable") {
		t.Error("topic lost across reopen")
	}
}
