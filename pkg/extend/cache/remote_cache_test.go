package cache

import (
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/go-extend/internal/testutil"
	"github.com/jabolina/go-extend/pkg/extend/core"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
)

func init() {
	// The reference serializer carries payloads in an interface-typed
	// envelope; the concrete filter types must be known to gob before
	// the first encode.
	gob.Register(&AlwaysFilter{})
	gob.Register(&InKeySetFilter{})
	gob.Register(&LimitFilter{})
}

// Every test here runs a live peer; fixture teardown happens in
// t.Cleanup, so the leak check must run after all of them.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixture(t *testing.T, mutate func(p *testutil.Proxy)) (*testutil.Proxy, *RemoteCache) {
	t.Helper()

	var mutators []func(*testutil.Proxy)
	if mutate != nil {
		mutators = append(mutators, mutate)
	}
	proxy, clientEnd := testutil.NewProxy(mutators...)

	peer := core.NewPeer(core.DefaultPeerConfiguration())
	if err := peer.Start(); err != nil {
		t.Fatalf("start peer: %v", err)
	}
	conn, err := peer.Connect(clientEnd)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	rc, err := NewRemoteCache("orders", peer, conn, Options{RequestTimeoutMillis: 2000})
	if err != nil {
		t.Fatalf("new remote cache: %v", err)
	}

	t.Cleanup(func() {
		_ = peer.Stop()
		proxy.Close()
	})
	return proxy, rc
}

// Put / get round trip, with the pending table drained between calls.
func TestPutGetRoundTrip(t *testing.T) {
	_, rc := fixture(t, nil)

	if err := rc.Put("k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if rc.channel.PendingCount() != 0 {
		t.Fatalf("pending table should be empty after put, has %d", rc.channel.PendingCount())
	}

	got, err := rc.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v" {
		t.Fatalf("expected %q, got %v", "v", got)
	}
	if rc.channel.PendingCount() != 0 {
		t.Fatalf("pending table should be empty after get, has %d", rc.channel.PendingCount())
	}
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	_, rc := fixture(t, nil)

	got, err := rc.Get("absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("missing key should read as nil, got %v", got)
	}
}

func TestPutWithReturnValue(t *testing.T) {
	_, rc := fixture(t, nil)

	if _, err := rc.PutWithExpiry("k", "first", 0, false); err != nil {
		t.Fatalf("put: %v", err)
	}
	prior, err := rc.PutWithExpiry("k", "second", 0, true)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if prior != "first" {
		t.Fatalf("expected prior value %q, got %v", "first", prior)
	}
}

func TestRemoveReturnsPrior(t *testing.T) {
	_, rc := fixture(t, nil)

	if err := rc.Put("k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	prior, err := rc.Remove("k", true)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if prior != "v" {
		t.Fatalf("expected prior %q, got %v", "v", prior)
	}
	ok, err := rc.ContainsKey("k")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Fatal("removed key should be gone")
	}
}

func TestSizeContainsAndClear(t *testing.T) {
	_, rc := fixture(t, nil)

	entries := []Entry{{"a", 1}, {"b", 2}, {"c", 3}}
	if err := rc.PutAll(entries); err != nil {
		t.Fatalf("put all: %v", err)
	}
	size, err := rc.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 3 {
		t.Fatalf("expected size 3, got %d", size)
	}
	ok, err := rc.ContainsAll([]interface{}{"a", "b"})
	if err != nil {
		t.Fatalf("contains all: %v", err)
	}
	if !ok {
		t.Fatal("cache should contain a and b")
	}
	ok, err = rc.ContainsValue(2)
	if err != nil {
		t.Fatalf("contains value: %v", err)
	}
	if !ok {
		t.Fatal("cache should contain value 2")
	}

	if err := rc.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	size, err = rc.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("cache should be empty after clear, size %d", size)
	}
}

// Paged query: 250 entries and a 100-entry page mean at least two
// cookie-driven query frames and exactly 250 accumulated results.
func TestPagedEntrySet(t *testing.T) {
	proxy, rc := fixture(t, func(p *testutil.Proxy) {
		p.PageSize = 100
	})

	const total = 250
	for i := 0; i < total; i++ {
		if err := rc.Put(i, i*10); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	entries, err := rc.EntrySet(&AlwaysFilter{})
	if err != nil {
		t.Fatalf("entry set: %v", err)
	}
	if len(entries) != total {
		t.Fatalf("expected %d entries, got %d", total, len(entries))
	}
	if n := proxy.RequestCount(protocol.TypeQueryRequest); n < 2 {
		t.Fatalf("expected at least 2 query frames, got %d", n)
	}

	byKey := make(map[interface{}]interface{}, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e.Value
	}
	if byKey[17] != 170 {
		t.Fatalf("entry 17 should map to 170, got %v", byKey[17])
	}
}

func TestPagedKeySet(t *testing.T) {
	proxy, rc := fixture(t, func(p *testutil.Proxy) {
		p.PageSize = 10
	})

	for i := 0; i < 25; i++ {
		if err := rc.Put(i, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	keys, err := rc.KeySet(&AlwaysFilter{})
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	if len(keys) != 25 {
		t.Fatalf("expected 25 keys, got %d", len(keys))
	}
	if n := proxy.RequestCount(protocol.TypeQueryRequest); n != 3 {
		t.Fatalf("expected 3 query frames for 25 keys at page size 10, got %d", n)
	}
}

func TestEntrySetSortedPagesLocally(t *testing.T) {
	_, rc := fixture(t, nil)

	for i := 0; i < 10; i++ {
		if err := rc.Put(i, 9-i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	page, err := rc.EntrySetSorted(&AlwaysFilter{}, func(a, b Entry) bool {
		return a.Value.(int) < b.Value.(int)
	}, 3, 1)
	if err != nil {
		t.Fatalf("sorted entry set: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected a 3-entry page, got %d", len(page))
	}
	for i, e := range page {
		if e.Value.(int) != 3+i {
			t.Fatalf("page extraction out of order: %v at %d", e.Value, i)
		}
	}
}

// Truncate on an old peer is rejected locally, with no request sent.
func TestTruncateRejectedOnOldProxy(t *testing.T) {
	proxy, rc := fixture(t, func(p *testutil.Proxy) {
		p.Version = 5
	})

	if rc.NegotiatedVersion() != 5 {
		t.Fatalf("expected negotiated version 5, got %d", rc.NegotiatedVersion())
	}
	err := rc.Truncate()
	var validation *types.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected a local ValidationError, got %v", err)
	}
	if n := proxy.RequestCount(protocol.TypeClearRequest); n != 0 {
		t.Fatalf("no clear request may reach the wire, got %d", n)
	}
}

func TestTruncateAcceptedOnCurrentProxy(t *testing.T) {
	proxy, rc := fixture(t, nil)

	if err := rc.Put("k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := rc.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if n := proxy.RequestCount(protocol.TypeClearRequest); n != 1 {
		t.Fatalf("expected one clear request, got %d", n)
	}
	size, err := rc.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("cache should be empty after truncate, size %d", size)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	proxy, rc := fixture(t, nil)

	ok, err := rc.Lock("k", 0)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	ok, err = rc.Unlock("k")
	if err != nil || !ok {
		t.Fatalf("unlock: ok=%v err=%v", ok, err)
	}
	if n := proxy.RequestCount(protocol.TypeLockRequest); n != 1 {
		t.Fatalf("expected one lock request, got %d", n)
	}
	if n := proxy.RequestCount(protocol.TypeUnlockRequest); n != 1 {
		t.Fatalf("expected one unlock request, got %d", n)
	}
}

func TestNoStorageMembersFailsFutureOps(t *testing.T) {
	proxy, rc := fixture(t, nil)

	if err := rc.Put("k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := proxy.PushNoStorage("orders"); err != nil {
		t.Fatalf("push: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := rc.Size(); err != nil {
			var connErr *types.ConnectionException
			if !errors.As(err, &connErr) {
				t.Fatalf("expected ConnectionException, got %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no-storage notification never took effect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rc.ClearNoStorage()
	if _, err := rc.Size(); err != nil {
		t.Fatalf("cache should recover after storage returns: %v", err)
	}
}

func TestReleaseClosesChannel(t *testing.T) {
	_, rc := fixture(t, nil)

	rc.Release()
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := rc.Size(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("released cache still serves requests")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
