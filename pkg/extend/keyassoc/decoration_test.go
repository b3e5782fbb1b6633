package keyassoc

import (
	"bytes"
	"testing"
)

func TestDecorateIsIdempotent(t *testing.T) {
	key := []byte("order-17")
	once := Decorate(key, 1234)
	twice := Decorate(once, 9999)
	if !bytes.Equal(once, twice) {
		t.Fatal("re-decorating a decorated binary must be a no-op")
	}
	partition, ok := Partition(twice)
	if !ok || partition != 1234 {
		t.Fatalf("decoration must keep the first partition, got %d ok=%v", partition, ok)
	}
}

func TestUndecorateIsIdempotent(t *testing.T) {
	key := []byte("order-17")
	decorated := Decorate(key, 7)
	once := Undecorate(decorated)
	twice := Undecorate(once)
	if !bytes.Equal(once, key) {
		t.Fatalf("undecorate should strip back to the original, got %q", once)
	}
	if !bytes.Equal(once, twice) {
		t.Fatal("undecorating a plain binary must be a no-op")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, key := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("a longer key with spaces"),
		{0x95},
	} {
		decorated := Decorate(key, PartitionOf(key))
		if !IsDecorated(decorated) {
			t.Fatalf("decorated form of %q not recognized", key)
		}
		if got := Undecorate(decorated); !bytes.Equal(got, key) {
			t.Fatalf("round trip of %q produced %q", key, got)
		}
	}
}

func TestPartitionOfIsStableAndNonNegative(t *testing.T) {
	key := []byte("stable")
	first := PartitionOf(key)
	if first != PartitionOf(key) {
		t.Fatal("partition hashing must be deterministic")
	}
	if first < 0 {
		t.Fatalf("partition must be non-negative, got %d", first)
	}
}

func TestPartitionOnPlainBinary(t *testing.T) {
	if _, ok := Partition([]byte("plain")); ok {
		t.Fatal("plain binary must not report a partition")
	}
}

func TestConverters(t *testing.T) {
	toDec := ToDecorated(3)
	toUndec := ToUndecorated()
	key := []byte("k")
	if !bytes.Equal(toDec(toDec(key)), toDec(key)) {
		t.Fatal("to-decorated converter must be idempotent")
	}
	if !bytes.Equal(toUndec(toUndec(toDec(key))), key) {
		t.Fatal("to-undecorated converter must be idempotent")
	}
}
