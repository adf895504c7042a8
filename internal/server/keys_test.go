package server

import (
	"testing"

	gateway "github.com/dittolabs/ditto/internal"
)

func TestKeyringLookup(t *testing.T) {
	t.Parallel()
	kr := NewKeyring([]gateway.VirtualKey{
		{ID: "a", Token: "tok-a", Enabled: true},
		{ID: "b", Token: "tok-b", Enabled: true},
	})

	if kr.Len() != 2 {
		t.Fatalf("Len = %d", kr.Len())
	}
	k, ok := kr.Lookup("tok-a")
	if !ok || k.ID != "a" {
		t.Errorf("Lookup(tok-a) = %+v, %v", k, ok)
	}
	if _, ok := kr.Lookup("missing"); ok {
		t.Error("Lookup(missing) = true")
	}
	got, ok := kr.Get("b")
	if !ok || got.Token != "tok-b" {
		t.Errorf("Get(b) = %+v, %v", got, ok)
	}
}

func TestKeyringUpsert(t *testing.T) {
	t.Parallel()
	kr := NewKeyring(nil)

	if err := kr.Upsert(gateway.VirtualKey{ID: "a", Token: "tok-a"}); err != nil {
		t.Fatal(err)
	}
	// Updating the same key with a new token retires the old one.
	if err := kr.Upsert(gateway.VirtualKey{ID: "a", Token: "tok-a2"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := kr.Lookup("tok-a"); ok {
		t.Error("old token still resolves after rotation")
	}
	if _, ok := kr.Lookup("tok-a2"); !ok {
		t.Error("rotated token does not resolve")
	}

	// A token held by another key is rejected.
	if err := kr.Upsert(gateway.VirtualKey{ID: "b", Token: "tok-a2"}); err == nil {
		t.Error("Upsert accepted a token owned by a different key")
	}
}

func TestKeyringDelete(t *testing.T) {
	t.Parallel()
	kr := NewKeyring([]gateway.VirtualKey{{ID: "a", Token: "tok-a"}})

	if !kr.Delete("a") {
		t.Fatal("Delete(a) = false")
	}
	if kr.Delete("a") {
		t.Error("second Delete(a) = true")
	}
	if _, ok := kr.Lookup("tok-a"); ok {
		t.Error("token survives deletion")
	}
	if kr.Len() != 0 {
		t.Errorf("Len after delete = %d", kr.Len())
	}
}

func TestKeyringListOrder(t *testing.T) {
	t.Parallel()
	kr := NewKeyring(nil)
	for _, id := range []string{"c", "a", "b"} {
		if err := kr.Upsert(gateway.VirtualKey{ID: id, Token: "tok-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	list := kr.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %q, want %q (insertion order)", i, list[i].ID, want)
		}
	}
}
