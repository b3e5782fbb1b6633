package cache

import (
	"reflect"
	"testing"
	"time"

	"github.com/jabolina/go-extend/internal/testutil"
	"github.com/jabolina/go-extend/pkg/extend/core"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
)

type recordingListener struct {
	events chan *MapEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan *MapEvent, 8)}
}

func (l *recordingListener) OnMapEvent(e *MapEvent) {
	l.events <- e
}

func (l *recordingListener) await(t *testing.T) *MapEvent {
	t.Helper()
	select {
	case e := <-l.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("listener never received an event")
		return nil
	}
}

func (l *recordingListener) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-l.events:
		t.Fatalf("unexpected event delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

type syncListener struct {
	recordingListener
}

func newSyncListener() *syncListener {
	return &syncListener{recordingListener{events: make(chan *MapEvent, 8)}}
}

func (l *syncListener) SynchronousEventsWanted() {}

type primingListener struct {
	syncListener
}

func newPrimingListener() *primingListener {
	return &primingListener{syncListener{recordingListener{events: make(chan *MapEvent, 8)}}}
}

func (l *primingListener) PrimingEventsWanted() {}

// insertEvent builds a server-pushed insert for the cache's own binary
// forms of key and value.
func insertEvent(t *testing.T, rc *RemoteCache, key, value interface{}) *protocol.MapEventMessage {
	t.Helper()
	binKey, err := rc.toBinaryKey(key)
	if err != nil {
		t.Fatalf("key to binary: %v", err)
	}
	event := protocol.NewMapEventMessage()
	event.EventID = protocol.MapEventInserted
	event.Key = binKey
	if value != nil {
		if event.NewValue, err = rc.toBinary(value); err != nil {
			t.Fatalf("value to binary: %v", err)
		}
	}
	return event
}

// Listener fan-out: one full and one lite listener on the same key cost a
// single wire registration, both fire once per event, and the lite one
// sees no values.
func TestKeyListenerFanOut(t *testing.T) {
	proxy, rc := fixture(t, nil)

	full := newRecordingListener()
	lite := newRecordingListener()
	if err := rc.AddKeyListener(full, "k", false); err != nil {
		t.Fatalf("add full: %v", err)
	}
	if err := rc.AddKeyListener(lite, "k", true); err != nil {
		t.Fatalf("add lite: %v", err)
	}

	if ops := proxy.ListenerOps(); !reflect.DeepEqual(ops, []string{"key-add"}) {
		t.Fatalf("expected exactly one wire add, got %v", ops)
	}

	if err := proxy.PushEvent("orders", insertEvent(t, rc, "k", "v")); err != nil {
		t.Fatalf("push: %v", err)
	}

	fullEvent := full.await(t)
	if fullEvent.Key != "k" || fullEvent.NewValue != "v" {
		t.Fatalf("full listener event mismatch: %+v", fullEvent)
	}
	if fullEvent.ID != protocol.MapEventInserted {
		t.Fatalf("expected an insert, got %d", fullEvent.ID)
	}

	liteEvent := lite.await(t)
	if liteEvent.Key != "k" {
		t.Fatalf("lite listener key mismatch: %+v", liteEvent)
	}
	if liteEvent.NewValue != nil || liteEvent.OldValue != nil {
		t.Fatalf("lite listener must not see values: %+v", liteEvent)
	}

	full.expectNone(t)
	lite.expectNone(t)
}

// Add/remove symmetry: after one add and one remove the registry holds
// nothing for the key, and exactly one add then one remove hit the wire.
func TestKeyListenerAddRemoveSymmetry(t *testing.T) {
	proxy, rc := fixture(t, nil)

	listener := newRecordingListener()
	if err := rc.AddKeyListener(listener, "k", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rc.RemoveKeyListener(listener, "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	binKey, err := rc.toBinaryKey("k")
	if err != nil {
		t.Fatalf("to binary: %v", err)
	}
	if rc.support.hasKey(binKey) {
		t.Fatal("registry should hold nothing for the key")
	}
	if ops := proxy.ListenerOps(); !reflect.DeepEqual(ops, []string{"key-add", "key-remove"}) {
		t.Fatalf("expected add then remove, got %v", ops)
	}
}

// Upgrading lite-only interest to full must be pushed to the proxy.
func TestLiteToFullUpgradeSendsSecondRequest(t *testing.T) {
	proxy, rc := fixture(t, nil)

	if err := rc.AddKeyListener(newRecordingListener(), "k", true); err != nil {
		t.Fatalf("add lite: %v", err)
	}
	if err := rc.AddKeyListener(newRecordingListener(), "k", false); err != nil {
		t.Fatalf("add full: %v", err)
	}
	if ops := proxy.ListenerOps(); !reflect.DeepEqual(ops, []string{"key-add", "key-add"}) {
		t.Fatalf("expected two adds for the lite upgrade, got %v", ops)
	}
}

// Priming expansion: a priming listener over a key-set filter lands one
// entry per key in the key registry but only one wire request.
func TestPrimingKeySetExpansion(t *testing.T) {
	proxy, rc := fixture(t, nil)

	listener := newPrimingListener()
	filter := &InKeySetFilter{Keys: []interface{}{"k1", "k2", "k3"}}
	if err := rc.AddFilterListener(listener, filter, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	for _, key := range filter.Keys {
		binKey, err := rc.toBinaryKey(key)
		if err != nil {
			t.Fatalf("to binary: %v", err)
		}
		if !rc.support.hasKey(binKey) {
			t.Fatalf("key %v missing from the registry", key)
		}
	}
	if n := proxy.RequestCount(protocol.TypeListenerKeyRequest); n != 1 {
		t.Fatalf("expected exactly one wire request, got %d", n)
	}
	last := proxy.LastListenerKeyRequest()
	if !last.Priming || len(last.Keys) != 3 {
		t.Fatalf("batch registration malformed: priming=%v keys=%d", last.Priming, len(last.Keys))
	}

	// The synthetic priming event for one of the keys reaches the
	// listener synchronously.
	event := insertEvent(t, rc, "k2", "current")
	event.Priming = true
	event.Synthetic = true
	if err := proxy.PushEvent("orders", event); err != nil {
		t.Fatalf("push: %v", err)
	}
	got := listener.await(t)
	if got.Key != "k2" || !got.Priming || !got.Synthetic {
		t.Fatalf("priming event mismatch: %+v", got)
	}
}

func TestPrimingRequiresKeySetFilter(t *testing.T) {
	_, rc := fixture(t, nil)
	if err := rc.AddFilterListener(newPrimingListener(), &AlwaysFilter{}, false); err == nil {
		t.Fatal("priming over an arbitrary filter must be rejected")
	}
}

// Filter listeners share one id per distinct filter, and events carry the
// matched filter objects.
func TestFilterListenerFanOut(t *testing.T) {
	proxy, rc := fixture(t, nil)

	first := newRecordingListener()
	second := newRecordingListener()
	filter := &AlwaysFilter{}
	if err := rc.AddFilterListener(first, filter, false); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := rc.AddFilterListener(second, filter, false); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if n := proxy.RequestCount(protocol.TypeListenerFilterRequest); n != 1 {
		t.Fatalf("one filter registration expected, got %d", n)
	}

	event := insertEvent(t, rc, "k", "v")
	event.FilterIDs = []int64{1}
	if err := proxy.PushEvent("orders", event); err != nil {
		t.Fatalf("push: %v", err)
	}

	for _, l := range []*recordingListener{first, second} {
		got := l.await(t)
		if len(got.Filters) != 1 {
			t.Fatalf("event should carry the matched filter, got %+v", got.Filters)
		}
		if _, ok := got.Filters[0].(*AlwaysFilter); !ok {
			t.Fatalf("matched filter has wrong type %T", got.Filters[0])
		}
	}
}

// An event naming only unresolvable filter ids is dropped without
// touching any registration.
func TestUnknownFilterIDIsIgnored(t *testing.T) {
	proxy, rc := fixture(t, nil)

	listener := newRecordingListener()
	if err := rc.AddFilterListener(listener, &AlwaysFilter{}, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	event := insertEvent(t, rc, "k", "v")
	event.FilterIDs = []int64{99}
	if err := proxy.PushEvent("orders", event); err != nil {
		t.Fatalf("push: %v", err)
	}
	listener.expectNone(t)

	// The registration survives and still matches its own id.
	event = insertEvent(t, rc, "k", "v")
	event.FilterIDs = []int64{1}
	if err := proxy.PushEvent("orders", event); err != nil {
		t.Fatalf("push: %v", err)
	}
	listener.await(t)
}

// Transformed events skip key listeners entirely.
func TestTransformedEventSkipsKeyListeners(t *testing.T) {
	proxy, rc := fixture(t, nil)

	listener := newRecordingListener()
	if err := rc.AddKeyListener(listener, "k", false); err != nil {
		t.Fatalf("add: %v", err)
	}

	event := insertEvent(t, rc, "k", "v")
	event.TransformState = protocol.TransformTransformed
	if err := proxy.PushEvent("orders", event); err != nil {
		t.Fatalf("push: %v", err)
	}
	listener.expectNone(t)
}

// A failed registration request rolls the registry back.
func TestListenerRollbackOnRequestFailure(t *testing.T) {
	proxy, clientEnd := testutil.NewProxy()
	proxy.SetStall(true)

	peer := core.NewPeer(core.DefaultPeerConfiguration())
	if err := peer.Start(); err != nil {
		t.Fatalf("start peer: %v", err)
	}
	t.Cleanup(func() {
		_ = peer.Stop()
		proxy.Close()
	})

	conn, err := peer.Connect(clientEnd)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Channel open rides channel 0, which the stall does not touch.
	rc, err := NewRemoteCache("orders", peer, conn, Options{RequestTimeoutMillis: 100})
	if err != nil {
		t.Fatalf("new remote cache: %v", err)
	}

	listener := newRecordingListener()
	if err := rc.AddKeyListener(listener, "k", false); err == nil {
		t.Fatal("registration should fail while the proxy stalls")
	}
	binKey, err := rc.toBinaryKey("k")
	if err != nil {
		t.Fatalf("to binary: %v", err)
	}
	if rc.support.hasKey(binKey) {
		t.Fatal("failed registration must be rolled back")
	}
}
