package protocol

import (
	"github.com/jabolina/go-extend/pkg/extend/types"
)

// NamedCacheProtocolName identifies the application protocol RemoteCache
// negotiates on its own channel (never channel 0, which always carries
// PeerProtocolName).
const NamedCacheProtocolName = "NamedCacheProtocol"

// Named-cache protocol wire message type ids, following the catalogue
// order of the original cache proxy: single-key ops, bulk ops, listener
// registration, paged query/invoke, and the shared response tail. Type id
// 0 is the generic response every non-paged request is answered with.
const (
	TypeCacheResponse         int32 = 0
	TypeSizeRequest           int32 = 1
	TypeContainsKeyRequest    int32 = 2
	TypeContainsValueRequest  int32 = 3
	TypePutRequest            int32 = 5
	TypeRemoveRequest         int32 = 6
	TypePutAllRequest         int32 = 7
	TypeClearRequest          int32 = 8
	TypeContainsAllRequest    int32 = 9
	TypeRemoveAllRequest      int32 = 10
	TypeListenerKeyRequest    int32 = 11
	TypeListenerFilterRequest int32 = 12
	TypeMapEventMessage       int32 = 13
	TypeGetAllRequest         int32 = 21
	TypeLockRequest           int32 = 31
	TypeUnlockRequest         int32 = 32
	TypeQueryRequest          int32 = 41
	TypeIndexRequest          int32 = 42
	TypeAggregateAllRequest    int32 = 52
	TypeAggregateFilterRequest int32 = 53
	TypeInvokeAllRequest       int32 = 54
	TypeInvokeFilterRequest    int32 = 55
	TypeNoStorageMembers       int32 = 56
	TypePartialResponse        int32 = 1000
)

const (
	namedCacheCurrentVersion   int32 = 8
	namedCacheSupportedVersion int32 = 2
)

// truncateMinimumVersion is the implementation version ClearRequest.Truncate
// requires; a request negotiated below this must reject a truncate locally
// rather than send it, since the peer cannot understand it.
const truncateMinimumVersion int32 = 6

// NamedCacheRequest is embedded by every request in this protocol; it
// carries the cache name every proxy-side dispatch needs to locate the
// backing map.
type NamedCacheRequest struct {
	types.BaseRequest
	CacheName string
}

func newNamedCacheRequest(typeID int32) NamedCacheRequest {
	return NamedCacheRequest{BaseRequest: types.NewBaseRequest(typeID, namedCacheCurrentVersion)}
}

// CacheResponse is the generic answer to every non-paged named-cache
// request. Which result fields are meaningful depends on the request it
// answers: Count for SizeRequest, Flag for the contains/lock family,
// Value for single-value results (get, put/remove with return, aggregate,
// invoke), Entries/Keys for the bulk reads.
type CacheResponse struct {
	types.BaseResponse
	Count   int64
	Flag    bool
	Value   []byte
	Entries map[string][]byte
	Keys    [][]byte
}

func NewCacheResponse() *CacheResponse {
	return &CacheResponse{BaseResponse: types.NewBaseResponse(TypeCacheResponse, namedCacheCurrentVersion)}
}

type SizeRequest struct{ NamedCacheRequest }

func NewSizeRequest() *SizeRequest {
	return &SizeRequest{newNamedCacheRequest(TypeSizeRequest)}
}

// ContainsKeyRequest/ContainsValueRequest/ContainsAllRequest share the same
// shape: a binary key (or binary value, or key set) to test membership of.
type ContainsKeyRequest struct {
	NamedCacheRequest
	Key []byte
}

func NewContainsKeyRequest() *ContainsKeyRequest {
	return &ContainsKeyRequest{NamedCacheRequest: newNamedCacheRequest(TypeContainsKeyRequest)}
}

type ContainsValueRequest struct {
	NamedCacheRequest
	Value []byte
}

func NewContainsValueRequest() *ContainsValueRequest {
	return &ContainsValueRequest{NamedCacheRequest: newNamedCacheRequest(TypeContainsValueRequest)}
}

type ContainsAllRequest struct {
	NamedCacheRequest
	Keys [][]byte
}

func NewContainsAllRequest() *ContainsAllRequest {
	return &ContainsAllRequest{NamedCacheRequest: newNamedCacheRequest(TypeContainsAllRequest)}
}

// PutRequest stores one decorated key/value pair, optionally with an
// expiry in milliseconds (0 meaning the cache's default). ReturnValue asks
// the proxy to send back the prior value instead of nothing.
type PutRequest struct {
	NamedCacheRequest
	Key          []byte
	Value        []byte
	ExpiryMillis int64
	ReturnValue  bool
}

func NewPutRequest() *PutRequest {
	return &PutRequest{NamedCacheRequest: newNamedCacheRequest(TypePutRequest)}
}

// PutAllRequest is PutRequest's bulk form.
type PutAllRequest struct {
	NamedCacheRequest
	Entries map[string][]byte
}

func NewPutAllRequest() *PutAllRequest {
	return &PutAllRequest{NamedCacheRequest: newNamedCacheRequest(TypePutAllRequest), Entries: make(map[string][]byte)}
}

// RemoveRequest deletes one key, optionally returning the prior value.
type RemoveRequest struct {
	NamedCacheRequest
	Key         []byte
	ReturnValue bool
}

func NewRemoveRequest() *RemoveRequest {
	return &RemoveRequest{NamedCacheRequest: newNamedCacheRequest(TypeRemoveRequest)}
}

// RemoveAllRequest deletes a key set.
type RemoveAllRequest struct {
	NamedCacheRequest
	Keys [][]byte
}

func NewRemoveAllRequest() *RemoveAllRequest {
	return &RemoveAllRequest{NamedCacheRequest: newNamedCacheRequest(TypeRemoveAllRequest)}
}

// ClearRequest empties the cache. Truncate asks for the storage-level fast
// path instead of per-entry removal events; RemoteCache must reject
// Truncate locally (ValidationError, no request sent) when the negotiated
// version is below truncateMinimumVersion.
type ClearRequest struct {
	NamedCacheRequest
	Truncate bool
}

func NewClearRequest() *ClearRequest {
	return &ClearRequest{NamedCacheRequest: newNamedCacheRequest(TypeClearRequest)}
}

// GetAllRequest is the only key-read message this protocol has; a single
// get(k) is issued as a GetAllRequest carrying one key. The protocol
// defines no standalone GetRequest.
type GetAllRequest struct {
	NamedCacheRequest
	Keys [][]byte
}

func NewGetAllRequest() *GetAllRequest {
	return &GetAllRequest{NamedCacheRequest: newNamedCacheRequest(TypeGetAllRequest)}
}

// ListenerKeyRequest/ListenerFilterRequest register or deregister interest
// on a single key or on a filter-matched set. Add=false deregisters.
// Lite carries only key+type in the resulting event (no old/new value),
// Sync suppresses client-side optimizations that would otherwise delay
// delivery, and Priming additionally replays one synthetic insert event
// for the key's current value at registration time. The Priming flag and
// the Keys batch are sent at every negotiated version; no version check
// is applied to them.
type ListenerKeyRequest struct {
	NamedCacheRequest
	Key []byte
	// Keys carries a batch registration: a priming listener bound to a
	// key-set filter expands client-side into per-key interest but still
	// travels as one request.
	Keys    [][]byte
	Add     bool
	Lite    bool
	Sync    bool
	Priming bool
}

func NewListenerKeyRequest() *ListenerKeyRequest {
	return &ListenerKeyRequest{NamedCacheRequest: newNamedCacheRequest(TypeListenerKeyRequest)}
}

type ListenerFilterRequest struct {
	NamedCacheRequest
	FilterID int64
	Filter   []byte
	Add      bool
	Lite     bool
	Sync     bool
	Trigger  []byte
}

func NewListenerFilterRequest() *ListenerFilterRequest {
	return &ListenerFilterRequest{NamedCacheRequest: newNamedCacheRequest(TypeListenerFilterRequest)}
}

// Transformation states a MapEventMessage can carry: whether the event's
// values may still be transformed by a view downstream, or already were —
// in which case key-registered listeners must not see it.
const (
	TransformNone         int32 = 0
	TransformTransformable int32 = 1
	TransformTransformed   int32 = 2
)

// MapEventMessage is server-initiated: it never correlates to a pending
// request and is always routed to the NamedCache Receiver instead.
type MapEventMessage struct {
	types.BaseMessage
	EventID        int32
	FilterIDs      []int64
	Key            []byte
	OldValue       []byte
	NewValue       []byte
	Synthetic      bool
	TransformState int32
	Priming        bool
}

func NewMapEventMessage() *MapEventMessage {
	return &MapEventMessage{BaseMessage: types.NewBaseMessage(TypeMapEventMessage, namedCacheCurrentVersion)}
}

// Map event kinds, matching the original inserted/updated/deleted triad.
const (
	MapEventInserted int32 = 1
	MapEventUpdated  int32 = 2
	MapEventDeleted  int32 = 3
)

// LockRequest/UnlockRequest implement the optional pessimistic-lock pair;
// TimeoutMillis == -1 waits forever, 0 is a try-lock.
type LockRequest struct {
	NamedCacheRequest
	Key           []byte
	TimeoutMillis int64
}

func NewLockRequest() *LockRequest {
	return &LockRequest{NamedCacheRequest: newNamedCacheRequest(TypeLockRequest)}
}

type UnlockRequest struct {
	NamedCacheRequest
	Key []byte
}

func NewUnlockRequest() *UnlockRequest {
	return &UnlockRequest{NamedCacheRequest: newNamedCacheRequest(TypeUnlockRequest)}
}

// QueryRequest evaluates a serialized filter against the whole cache and
// pages its result through PartialResponse.Cookie; KeysOnly requests a
// key-set result instead of full entries (used by keySet(filter)).
type QueryRequest struct {
	NamedCacheRequest
	Filter   []byte
	KeysOnly bool
	Cookie   []byte
}

func NewQueryRequest() *QueryRequest {
	return &QueryRequest{NamedCacheRequest: newNamedCacheRequest(TypeQueryRequest)}
}

// IndexRequest adds or removes a server-side index on an extractor.
type IndexRequest struct {
	NamedCacheRequest
	Extractor  []byte
	Add        bool
	Ordered    bool
	Comparator []byte
}

func NewIndexRequest() *IndexRequest {
	return &IndexRequest{NamedCacheRequest: newNamedCacheRequest(TypeIndexRequest)}
}

// AggregateAllRequest/AggregateFilterRequest run a server-side
// EntryAggregator over an explicit key set or a filter-matched set.
type AggregateAllRequest struct {
	NamedCacheRequest
	Keys       [][]byte
	Aggregator []byte
}

func NewAggregateAllRequest() *AggregateAllRequest {
	return &AggregateAllRequest{NamedCacheRequest: newNamedCacheRequest(TypeAggregateAllRequest)}
}

type AggregateFilterRequest struct {
	NamedCacheRequest
	Filter     []byte
	Aggregator []byte
}

func NewAggregateFilterRequest() *AggregateFilterRequest {
	return &AggregateFilterRequest{NamedCacheRequest: newNamedCacheRequest(TypeAggregateFilterRequest)}
}

// InvokeAllRequest/InvokeFilterRequest run a server-side EntryProcessor
// over an explicit key set or a filter-matched, paged set.
type InvokeAllRequest struct {
	NamedCacheRequest
	Keys      [][]byte
	Processor []byte
}

func NewInvokeAllRequest() *InvokeAllRequest {
	return &InvokeAllRequest{NamedCacheRequest: newNamedCacheRequest(TypeInvokeAllRequest)}
}

type InvokeFilterRequest struct {
	NamedCacheRequest
	Filter    []byte
	Processor []byte
	Cookie    []byte
}

func NewInvokeFilterRequest() *InvokeFilterRequest {
	return &InvokeFilterRequest{NamedCacheRequest: newNamedCacheRequest(TypeInvokeFilterRequest)}
}

// NoStorageMembers is a server-initiated push notifying the client that no
// storage-enabled members remain to service the cache; RemoteCache
// surfaces this by failing every later request until ClearNoStorage is
// called. Requests already pending when it arrives are not failed.
type NoStorageMembers struct {
	types.BaseMessage
}

func NewNoStorageMembers() *NoStorageMembers {
	return &NoStorageMembers{BaseMessage: types.NewBaseMessage(TypeNoStorageMembers, namedCacheCurrentVersion)}
}

// NamedCachePartialResponse is the paged-result tail shared by
// QueryRequest and InvokeFilterRequest: a non-empty Cookie means the
// caller must resend the originating request with this cookie to continue.
// Filter, when present, carries updated anchor state for a limit filter;
// the client copies it back onto its own filter before the next page.
type NamedCachePartialResponse struct {
	types.PartialResponse
	Entries map[string][]byte
	Keys    [][]byte
	Filter  []byte
}

func NewNamedCachePartialResponse() *NamedCachePartialResponse {
	return &NamedCachePartialResponse{
		PartialResponse: *types.NewPartialResponse(TypePartialResponse, namedCacheCurrentVersion),
		Entries:         make(map[string][]byte),
	}
}

// NewNamedCacheFactory builds the Factory RemoteCache negotiates on its
// dedicated channel.
func NewNamedCacheFactory() Factory {
	f := newMapFactory(NamedCacheProtocolName, namedCacheCurrentVersion, namedCacheSupportedVersion)
	f.register(TypeCacheResponse, func() types.Message { return NewCacheResponse() })
	f.register(TypeSizeRequest, func() types.Message { return NewSizeRequest() })
	f.register(TypeContainsKeyRequest, func() types.Message { return NewContainsKeyRequest() })
	f.register(TypeContainsValueRequest, func() types.Message { return NewContainsValueRequest() })
	f.register(TypePutRequest, func() types.Message { return NewPutRequest() })
	f.register(TypeRemoveRequest, func() types.Message { return NewRemoveRequest() })
	f.register(TypePutAllRequest, func() types.Message { return NewPutAllRequest() })
	f.register(TypeClearRequest, func() types.Message { return NewClearRequest() })
	f.register(TypeContainsAllRequest, func() types.Message { return NewContainsAllRequest() })
	f.register(TypeRemoveAllRequest, func() types.Message { return NewRemoveAllRequest() })
	f.register(TypeListenerKeyRequest, func() types.Message { return NewListenerKeyRequest() })
	f.register(TypeListenerFilterRequest, func() types.Message { return NewListenerFilterRequest() })
	f.register(TypeMapEventMessage, func() types.Message { return NewMapEventMessage() })
	f.register(TypeGetAllRequest, func() types.Message { return NewGetAllRequest() })
	f.register(TypeLockRequest, func() types.Message { return NewLockRequest() })
	f.register(TypeUnlockRequest, func() types.Message { return NewUnlockRequest() })
	f.register(TypeQueryRequest, func() types.Message { return NewQueryRequest() })
	f.register(TypeIndexRequest, func() types.Message { return NewIndexRequest() })
	f.register(TypeAggregateAllRequest, func() types.Message { return NewAggregateAllRequest() })
	f.register(TypeAggregateFilterRequest, func() types.Message { return NewAggregateFilterRequest() })
	f.register(TypeInvokeAllRequest, func() types.Message { return NewInvokeAllRequest() })
	f.register(TypeInvokeFilterRequest, func() types.Message { return NewInvokeFilterRequest() })
	f.register(TypeNoStorageMembers, func() types.Message { return NewNoStorageMembers() })
	f.register(TypePartialResponse, func() types.Message { return NewNamedCachePartialResponse() })
	return f
}

// IsTruncateSupported reports whether Truncate may be set given the
// version negotiated for the NamedCache channel.
func IsTruncateSupported(negotiatedVersion int32) bool {
	return negotiatedVersion >= truncateMinimumVersion
}
