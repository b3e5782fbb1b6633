package types

import (
	"bytes"
	"testing"
)

func TestEvolvableCarriesFutureData(t *testing.T) {
	e := NewEvolvable(3)
	if e.ImplVersion() != 3 {
		t.Fatalf("expected version 3, got %d", e.ImplVersion())
	}

	unknown := []byte{1, 2, 3}
	e.SetFutureData(unknown)
	e.SetImplVersion(5)
	if !bytes.Equal(e.FutureData(), unknown) {
		t.Fatal("future data must round-trip unchanged")
	}
	if e.ImplVersion() != 5 {
		t.Fatalf("expected version 5, got %d", e.ImplVersion())
	}
}

func TestEvolvableHolderReusesEntries(t *testing.T) {
	h := NewEvolvableHolder()
	first := h.GetEvolvable("body", 1)
	first.SetFutureData([]byte{9})

	again := h.GetEvolvable("body", 7)
	if again.ImplVersion() != 1 {
		t.Fatalf("existing entry must keep its version, got %d", again.ImplVersion())
	}
	if !bytes.Equal(again.FutureData(), []byte{9}) {
		t.Fatal("existing entry must keep its future data")
	}
	if h.GetEvolvable("header", 2).ImplVersion() != 2 {
		t.Fatal("new names must create fresh entries")
	}
}
