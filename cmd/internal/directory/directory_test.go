package directory

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryDirectory_Lookup(t *testing.T) {
	t.Parallel()

	d := NewInMemoryDirectory()
	d.Put(User{ID: "alice", DisplayName: "Alice"})
	d.Put(User{ID: "  "}) // blank ids are ignored

	u, err := d.Lookup(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.DisplayName != "Alice" {
		t.Fatalf("display_name=%q want Alice", u.DisplayName)
	}

	_, err = d.Lookup(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}

	_, err = d.Lookup(context.Background(), "   ")
	if !IsNotFound(err) {
		t.Fatalf("blank id: got %v, want not-found", err)
	}
}

func TestInMemoryDirectory_PutReplaces(t *testing.T) {
	t.Parallel()

	d := NewInMemoryDirectory()
	d.Put(User{ID: "alice", DisplayName: "Alice"})
	d.Put(User{ID: "alice", DisplayName: "Alice B."})

	u, err := d.Lookup(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.DisplayName != "Alice B." {
		t.Fatalf("display_name=%q want the replaced record", u.DisplayName)
	}
}

func TestOpenDirectory_Lookup(t *testing.T) {
	t.Parallel()

	var d OpenDirectory

	u, err := d.Lookup(context.Background(), "anyone")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.ID != "anyone" || u.DisplayName != "anyone" {
		t.Fatalf("got %+v, want a synthetic record", u)
	}

	if _, err := d.Lookup(context.Background(), "  "); !IsNotFound(err) {
		t.Fatalf("blank id: got %v, want not-found", err)
	}
}

func TestNotFoundError_Unwrap(t *testing.T) {
	t.Parallel()

	err := NotFoundError{Op: "directory.Lookup", UserID: "ghost"}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("NotFoundError must unwrap to ErrNotFound")
	}
	if !IsNotFound(err) {
		t.Fatal("IsNotFound must accept NotFoundError")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatal("IsNotFound must reject unrelated errors")
	}
}

func TestLookupCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewInMemoryDirectory()
	if _, err := d.Lookup(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
