package protocol

import (
	"testing"

	"github.com/jabolina/go-extend/pkg/extend/types"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewPeerFactory()); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.Register(NewPeerFactory()); err == nil {
		t.Fatal("duplicate protocol registration should fail")
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("NoSuchProtocol"); err == nil {
		t.Fatal("unknown protocol lookup should fail")
	}
}

func TestPeerFactoryCatalogue(t *testing.T) {
	f := NewPeerFactory()
	for _, typeID := range []int32{
		TypePingRequest, TypePingResponse, TypeNotifyConnectionClosed,
		TypeOpenChannelRequest, TypeOpenChannelResponse,
		TypeAcceptChannelRequest, TypeAcceptChannelResponse,
	} {
		msg, err := f.NewMessage(typeID)
		if err != nil {
			t.Fatalf("type %d: %v", typeID, err)
		}
		if msg.TypeID() != typeID {
			t.Fatalf("constructed message reports type %d, want %d", msg.TypeID(), typeID)
		}
	}
	if _, err := f.NewMessage(9999); err == nil {
		t.Fatal("unknown type id should fail")
	}
}

func TestNamedCacheFactoryCatalogue(t *testing.T) {
	f := NewNamedCacheFactory()
	for _, typeID := range []int32{
		TypeCacheResponse, TypeSizeRequest, TypeContainsKeyRequest,
		TypeContainsValueRequest, TypePutRequest, TypeRemoveRequest,
		TypePutAllRequest, TypeClearRequest, TypeContainsAllRequest,
		TypeRemoveAllRequest, TypeListenerKeyRequest, TypeListenerFilterRequest,
		TypeMapEventMessage, TypeGetAllRequest, TypeLockRequest,
		TypeUnlockRequest, TypeQueryRequest, TypeIndexRequest,
		TypeAggregateAllRequest, TypeAggregateFilterRequest,
		TypeInvokeAllRequest, TypeInvokeFilterRequest,
		TypeNoStorageMembers, TypePartialResponse,
	} {
		msg, err := f.NewMessage(typeID)
		if err != nil {
			t.Fatalf("type %d: %v", typeID, err)
		}
		if msg.TypeID() != typeID {
			t.Fatalf("constructed message reports type %d, want %d", msg.TypeID(), typeID)
		}
	}
}

func TestVersionNegotiation(t *testing.T) {
	cases := []struct {
		name                                                       string
		localCurrent, localSupported, remoteCurrent, remoteSupported int32
		want                                                       int32
		wantErr                                                    bool
	}{
		{"equal", 8, 2, 8, 2, 8, false},
		{"remote older", 8, 2, 5, 2, 5, false},
		{"local older", 5, 2, 8, 2, 5, false},
		{"remote floor binds", 8, 2, 9, 9, 0, true},
		{"local floor binds", 9, 9, 8, 2, 0, true},
		{"exact window edge", 8, 8, 8, 2, 8, false},
	}
	for _, c := range cases {
		got, err := NegotiateVersionInts(c.localCurrent, c.localSupported, c.remoteCurrent, c.remoteSupported)
		if c.wantErr {
			if err == nil {
				t.Errorf("%s: expected failure, got %d", c.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: negotiated %d, want %d", c.name, got, c.want)
		}
	}
}

func TestTruncateVersionGate(t *testing.T) {
	if IsTruncateSupported(5) {
		t.Fatal("truncate must not be supported at version 5")
	}
	if !IsTruncateSupported(6) {
		t.Fatal("truncate must be supported at version 6")
	}
}

func TestInternalControlIDsAreNegative(t *testing.T) {
	for _, msg := range []types.Message{
		NewNotifyStartup(), NewNotifyShutdown(), NewOpenConnection(),
		NewCloseConnection(nil), NewCloseChannel(1, nil),
		NewCreateChannel("p"), NewAcceptChannel("channel:1#p"),
		NewEncodedMessage(nil), NewPeerResponse(),
	} {
		if msg.TypeID() >= 0 {
			t.Errorf("internal control message %T has non-negative type id %d", msg, msg.TypeID())
		}
	}
}
