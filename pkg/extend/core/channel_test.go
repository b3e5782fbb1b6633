package core

import (
	"errors"
	"testing"

	"github.com/jabolina/go-extend/pkg/extend/definition"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// sink builds a connection whose far end swallows everything, for unit
// tests that drive Channel.dispatch by hand.
func sinkConnection(t *testing.T) *Connection {
	t.Helper()
	local, remote := wire.NewPipe(64)
	t.Cleanup(func() { _ = remote.Close() })
	go func() {
		for {
			if _, err := remote.Receive(); err != nil {
				return
			}
		}
	}()
	return newConnection(connectionParams{
		Transport:  local,
		Codec:      wire.StreamCodec{},
		Serializer: wire.GobSerializer{},
		Log:        definition.NewDefaultLogger(),
	})
}

func newTestChannel(t *testing.T) *Channel {
	conn := sinkConnection(t)
	return conn.createChannel(1, protocol.NewNamedCacheFactory(), 8, nil)
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	ch := newTestChannel(t)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := ch.nextRequestID()
		if id <= prev {
			t.Fatalf("request ids must increase: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestResponseCompletesMatchingRequest(t *testing.T) {
	ch := newTestChannel(t)
	status, err := ch.RequestAsync(protocol.NewSizeRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	reqID := status.Request().RequestID()

	resp := protocol.NewCacheResponse()
	resp.SetInReplyTo(reqID)
	resp.Count = 3
	ch.dispatch(resp)

	got, err := status.WaitForResponse(1000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.InReplyTo() != reqID {
		t.Fatalf("correlation mismatch: %d != %d", got.InReplyTo(), reqID)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("pending table should be empty, has %d", ch.PendingCount())
	}
}

func TestUnknownResponseIsDiscarded(t *testing.T) {
	ch := newTestChannel(t)
	resp := protocol.NewCacheResponse()
	resp.SetInReplyTo(999)
	ch.dispatch(resp)
	if ch.PendingCount() != 0 {
		t.Fatalf("pending table should stay empty, has %d", ch.PendingCount())
	}
}

// Timeout isolation: a timed-out request must not complete a later one,
// and its late response must land nowhere.
func TestTimeoutDoesNotAffectLaterRequests(t *testing.T) {
	ch := newTestChannel(t)

	first, err := ch.RequestAsync(protocol.NewSizeRequest())
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	firstID := first.Request().RequestID()
	if _, err := first.WaitForResponse(10); err == nil {
		t.Fatal("expected the first request to time out")
	}

	second, err := ch.RequestAsync(protocol.NewSizeRequest())
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	secondID := second.Request().RequestID()

	// The late response for the timed-out id arrives now.
	late := protocol.NewCacheResponse()
	late.SetInReplyTo(firstID)
	ch.dispatch(late)

	if second.IsDone() {
		t.Fatal("a late response for another id completed the second request")
	}

	answer := protocol.NewCacheResponse()
	answer.SetInReplyTo(secondID)
	ch.dispatch(answer)
	if _, err := second.WaitForResponse(1000); err != nil {
		t.Fatalf("second request should complete cleanly: %v", err)
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	ch := newTestChannel(t)
	status, err := ch.RequestAsync(protocol.NewSizeRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ch.close(types.NewChannelClosedException("channel closed by test", nil))

	_, err = status.WaitForResponse(1000)
	var closed *types.ChannelClosedException
	if !errors.As(err, &closed) {
		t.Fatalf("expected ChannelClosedException, got %v", err)
	}
	if err := ch.Send(protocol.NewSizeRequest()); err == nil {
		t.Fatal("send on a closed channel should fail")
	}
}

func TestChannelIDPartition(t *testing.T) {
	conn := sinkConnection(t)
	seen := make(map[int32]bool)
	for i := 0; i < 64; i++ {
		id := conn.allocateInitiatorID()
		if id <= 0 {
			t.Fatalf("initiator id must be positive, got %d", id)
		}
		if seen[id] {
			t.Fatalf("initiator id %d handed out twice", id)
		}
		seen[id] = true
		conn.createChannel(id, protocol.NewNamedCacheFactory(), 8, nil)
	}
	for i := 0; i < 64; i++ {
		id := conn.allocateAcceptorID()
		if id >= 0 {
			t.Fatalf("acceptor id must be negative, got %d", id)
		}
		if seen[id] {
			t.Fatalf("acceptor id %d handed out twice", id)
		}
		seen[id] = true
		conn.createChannel(id, protocol.NewNamedCacheFactory(), 8, nil)
	}
}

func TestControlChannelIDIsReserved(t *testing.T) {
	conn := sinkConnection(t)
	conn.bindControlChannel(protocol.NewPeerFactory(), nil)
	for i := 0; i < 256; i++ {
		if id := conn.allocateInitiatorID(); id == 0 {
			t.Fatal("allocator must never hand out channel 0")
		}
		if id := conn.allocateAcceptorID(); id == 0 {
			t.Fatal("allocator must never hand out channel 0")
		}
	}
}
