// Package cache is the remote cache proxy: a map-like API whose
// operations translate into the named-cache protocol's typed messages,
// with paged query iteration, key/filter listener registration fed by
// server-pushed events, and key-association-aware binary conversion.
package cache

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jabolina/go-extend/pkg/extend/core"
	"github.com/jabolina/go-extend/pkg/extend/keyassoc"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// Entry is one key/value pair as the user sees it.
type Entry struct {
	Key   interface{}
	Value interface{}
}

// envelope is the canonical payload every user object travels in, so a
// deserializer always decodes into a known shape regardless of the
// concrete type inside.
type envelope struct {
	V interface{}
}

// Options tunes one RemoteCache instance.
type Options struct {
	// RequestTimeoutMillis bounds every synchronous operation; 0 falls
	// back to the peer configuration's RequestTimeout, -1 waits forever.
	RequestTimeoutMillis int64

	// DeferKeyAssociationCheck skips client-side binary key decoration,
	// for deployments where the proxy performs the association hashing.
	DeferKeyAssociationCheck bool

	// Subject and IdentityToken are handed to the channel-open handshake.
	Subject       interface{}
	IdentityToken []byte
}

// RemoteCache proxies one named cache on the grid over a dedicated
// channel. It is also that channel's Receiver: server-initiated messages
// (MapEventMessage, NoStorageMembers) arrive through OnMessage on the
// peer's service loop.
type RemoteCache struct {
	name       string
	peer       *core.Peer
	conn       *core.Connection
	channel    *core.Channel
	serializer wire.Serializer
	dispatcher *core.EventDispatcher
	log        types.Logger

	support *ListenerSupport

	requestTimeout int64
	deferAssoc     bool

	lockNotice sync.Once
	noStorage  int32
	released   int32
}

// NewRemoteCache opens the named cache's channel over conn and returns
// the ready proxy.
func NewRemoteCache(name string, peer *core.Peer, conn *core.Connection, opts Options) (*RemoteCache, error) {
	timeout := opts.RequestTimeoutMillis
	if timeout == 0 {
		timeout = peer.Configuration().RequestTimeout.Milliseconds()
	}

	rc := &RemoteCache{
		name:           name,
		peer:           peer,
		conn:           conn,
		serializer:     conn.Serializer(),
		dispatcher:     peer.EventDispatcher(),
		log:            peer.Logger(),
		support:        NewListenerSupport(),
		requestTimeout: timeout,
		deferAssoc:     opts.DeferKeyAssociationCheck,
	}

	ch, err := conn.OpenChannel(protocol.NewNamedCacheFactory(), name, rc, opts.Subject, opts.IdentityToken, timeout)
	if err != nil {
		return nil, err
	}
	rc.channel = ch
	return rc, nil
}

func (c *RemoteCache) Name() string { return c.name }

// NegotiatedVersion is the named-cache protocol version the channel-open
// handshake settled on; optional features gate on it.
func (c *RemoteCache) NegotiatedVersion() int32 { return c.channel.Version() }

// Release closes the cache's channel without touching server-side state;
// listeners registered through this instance stop receiving events.
func (c *RemoteCache) Release() {
	if !atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		return
	}
	c.peer.CloseChannel(c.conn, c.channel.ID(), nil)
}

// --- binary conversion -----------------------------------------------

func (c *RemoteCache) toBinary(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.serializer.Serialize(&buf, &envelope{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *RemoteCache) fromBinary(b []byte) (interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var e envelope
	if err := c.serializer.Deserialize(bytes.NewReader(b), &e); err != nil {
		return nil, err
	}
	return e.V, nil
}

// toBinaryKey serializes key and applies the association decoration: a
// key exposing AssociatedKey routes by the partition of its associate
// rather than its own. DeferKeyAssociationCheck suppresses the whole
// step.
func (c *RemoteCache) toBinaryKey(key interface{}) ([]byte, error) {
	raw, err := c.toBinary(key)
	if err != nil {
		return nil, err
	}
	if c.deferAssoc {
		return raw, nil
	}
	assoc, ok := key.(keyassoc.Associated)
	if !ok {
		return raw, nil
	}
	other, err := c.toBinary(assoc.AssociatedKey())
	if err != nil {
		return nil, err
	}
	return keyassoc.Decorate(raw, keyassoc.PartitionOf(other)), nil
}

func (c *RemoteCache) fromBinaryKey(b []byte) (interface{}, error) {
	return c.fromBinary(keyassoc.Undecorate(b))
}

func (c *RemoteCache) toBinaryKeys(keys []interface{}) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		b, err := c.toBinaryKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// --- request plumbing ------------------------------------------------

func (c *RemoteCache) setNoStorage(v int32) {
	atomic.StoreInt32(&c.noStorage, v)
}

func (c *RemoteCache) available() error {
	if atomic.LoadInt32(&c.released) != 0 {
		return types.NewChannelClosedException(fmt.Sprintf("cache %q was released", c.name), nil)
	}
	if atomic.LoadInt32(&c.noStorage) != 0 {
		return types.NewConnectionException(fmt.Sprintf("cache %q has no storage-enabled members", c.name), nil)
	}
	return nil
}

// request round-trips one named-cache message and hands back the generic
// response.
func (c *RemoteCache) request(req types.Request) (*protocol.CacheResponse, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	resp, err := c.channel.Request(req, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*protocol.CacheResponse)
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("cache %q: unexpected response type %T", c.name, resp))
	}
	return out, nil
}

// --- the operation matrix --------------------------------------------

func (c *RemoteCache) Size() (int, error) {
	req := protocol.NewSizeRequest()
	req.CacheName = c.name
	resp, err := c.request(req)
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (c *RemoteCache) ContainsKey(key interface{}) (bool, error) {
	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return false, err
	}
	req := protocol.NewContainsKeyRequest()
	req.CacheName = c.name
	req.Key = binKey
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

func (c *RemoteCache) ContainsValue(value interface{}) (bool, error) {
	binValue, err := c.toBinary(value)
	if err != nil {
		return false, err
	}
	req := protocol.NewContainsValueRequest()
	req.CacheName = c.name
	req.Value = binValue
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

func (c *RemoteCache) ContainsAll(keys []interface{}) (bool, error) {
	binKeys, err := c.toBinaryKeys(keys)
	if err != nil {
		return false, err
	}
	req := protocol.NewContainsAllRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// Get reads one key; a missing key returns (nil, nil).
func (c *RemoteCache) Get(key interface{}) (interface{}, error) {
	entries, err := c.GetAll([]interface{}{key})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0].Value, nil
}

// GetAll reads a key set; absent keys simply do not appear in the result.
func (c *RemoteCache) GetAll(keys []interface{}) ([]Entry, error) {
	binKeys, err := c.toBinaryKeys(keys)
	if err != nil {
		return nil, err
	}
	req := protocol.NewGetAllRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	return c.entriesOf(resp.Entries)
}

// Put stores one pair and returns nothing; PutWithExpiry exposes the full
// request surface.
func (c *RemoteCache) Put(key, value interface{}) error {
	_, err := c.PutWithExpiry(key, value, 0, false)
	return err
}

// PutWithExpiry stores one pair with a ttl in milliseconds (0 means the
// cache default) and returns the prior value iff returnPrior.
func (c *RemoteCache) PutWithExpiry(key, value interface{}, ttlMillis int64, returnPrior bool) (interface{}, error) {
	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return nil, err
	}
	binValue, err := c.toBinary(value)
	if err != nil {
		return nil, err
	}
	req := protocol.NewPutRequest()
	req.CacheName = c.name
	req.Key = binKey
	req.Value = binValue
	req.ExpiryMillis = ttlMillis
	req.ReturnValue = returnPrior
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	if !returnPrior {
		return nil, nil
	}
	return c.fromBinary(resp.Value)
}

func (c *RemoteCache) PutAll(entries []Entry) error {
	req := protocol.NewPutAllRequest()
	req.CacheName = c.name
	for _, e := range entries {
		binKey, err := c.toBinaryKey(e.Key)
		if err != nil {
			return err
		}
		binValue, err := c.toBinary(e.Value)
		if err != nil {
			return err
		}
		req.Entries[string(binKey)] = binValue
	}
	_, err := c.request(req)
	return err
}

// Remove deletes one key, returning the prior value iff returnPrior.
func (c *RemoteCache) Remove(key interface{}, returnPrior bool) (interface{}, error) {
	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return nil, err
	}
	req := protocol.NewRemoveRequest()
	req.CacheName = c.name
	req.Key = binKey
	req.ReturnValue = returnPrior
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	if !returnPrior {
		return nil, nil
	}
	return c.fromBinary(resp.Value)
}

func (c *RemoteCache) RemoveAll(keys []interface{}) error {
	binKeys, err := c.toBinaryKeys(keys)
	if err != nil {
		return err
	}
	req := protocol.NewRemoveAllRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	_, err = c.request(req)
	return err
}

func (c *RemoteCache) Clear() error {
	req := protocol.NewClearRequest()
	req.CacheName = c.name
	_, err := c.request(req)
	return err
}

// Truncate is Clear's storage-level fast path. It is rejected locally,
// with no request sent, when the negotiated protocol version predates the
// flag.
func (c *RemoteCache) Truncate() error {
	if !protocol.IsTruncateSupported(c.channel.Version()) {
		return types.NewValidationError(fmt.Sprintf(
			"truncate is not supported at negotiated protocol version %d", c.channel.Version()))
	}
	req := protocol.NewClearRequest()
	req.CacheName = c.name
	req.Truncate = true
	_, err := c.request(req)
	return err
}

// --- locking (deprecated) --------------------------------------------

func (c *RemoteCache) deprecationNotice(op string) {
	c.lockNotice.Do(func() {
		c.log.Warnf("cache %q: %s uses the deprecated explicit locking API", c.name, op)
	})
}

// Lock acquires a server-side lock on key. Deprecated in the protocol;
// a notice is logged on first use per cache instance.
func (c *RemoteCache) Lock(key interface{}, timeoutMillis int64) (bool, error) {
	c.deprecationNotice("Lock")
	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return false, err
	}
	req := protocol.NewLockRequest()
	req.CacheName = c.name
	req.Key = binKey
	req.TimeoutMillis = timeoutMillis
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// Unlock releases a server-side lock on key. Deprecated alongside Lock.
func (c *RemoteCache) Unlock(key interface{}) (bool, error) {
	c.deprecationNotice("Unlock")
	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return false, err
	}
	req := protocol.NewUnlockRequest()
	req.CacheName = c.name
	req.Key = binKey
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// --- indexes ----------------------------------------------------------

func (c *RemoteCache) AddIndex(extractor interface{}, ordered bool, comparator interface{}) error {
	return c.index(extractor, true, ordered, comparator)
}

func (c *RemoteCache) RemoveIndex(extractor interface{}) error {
	return c.index(extractor, false, false, nil)
}

func (c *RemoteCache) index(extractor interface{}, add, ordered bool, comparator interface{}) error {
	binExtractor, err := c.toBinary(extractor)
	if err != nil {
		return err
	}
	req := protocol.NewIndexRequest()
	req.CacheName = c.name
	req.Extractor = binExtractor
	req.Add = add
	req.Ordered = ordered
	if comparator != nil {
		if req.Comparator, err = c.toBinary(comparator); err != nil {
			return err
		}
	}
	_, err = c.request(req)
	return err
}

// --- aggregation and invocation --------------------------------------

func (c *RemoteCache) AggregateKeys(keys []interface{}, aggregator interface{}) (interface{}, error) {
	binKeys, err := c.toBinaryKeys(keys)
	if err != nil {
		return nil, err
	}
	binAgg, err := c.toBinary(aggregator)
	if err != nil {
		return nil, err
	}
	req := protocol.NewAggregateAllRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	req.Aggregator = binAgg
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	return c.fromBinary(resp.Value)
}

func (c *RemoteCache) AggregateFilter(filter interface{}, aggregator interface{}) (interface{}, error) {
	binFilter, err := c.toBinary(filter)
	if err != nil {
		return nil, err
	}
	binAgg, err := c.toBinary(aggregator)
	if err != nil {
		return nil, err
	}
	req := protocol.NewAggregateFilterRequest()
	req.CacheName = c.name
	req.Filter = binFilter
	req.Aggregator = binAgg
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	return c.fromBinary(resp.Value)
}

// Invoke runs an entry processor against one key.
func (c *RemoteCache) Invoke(key interface{}, processor interface{}) (interface{}, error) {
	results, err := c.InvokeAllKeys([]interface{}{key}, processor)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0].Value, nil
}

// InvokeAllKeys runs an entry processor against an explicit key set.
func (c *RemoteCache) InvokeAllKeys(keys []interface{}, processor interface{}) ([]Entry, error) {
	binKeys, err := c.toBinaryKeys(keys)
	if err != nil {
		return nil, err
	}
	binProc, err := c.toBinary(processor)
	if err != nil {
		return nil, err
	}
	req := protocol.NewInvokeAllRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	req.Processor = binProc
	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	return c.entriesOf(resp.Entries)
}

// InvokeAllFilter runs an entry processor against the filter-matched set,
// paging through partial responses until the cookie runs dry.
func (c *RemoteCache) InvokeAllFilter(filter interface{}, processor interface{}) ([]Entry, error) {
	binFilter, err := c.toBinary(filter)
	if err != nil {
		return nil, err
	}
	binProc, err := c.toBinary(processor)
	if err != nil {
		return nil, err
	}
	entries, _, err := c.paged(func(cookie []byte) types.Request {
		req := protocol.NewInvokeFilterRequest()
		req.CacheName = c.name
		req.Filter = binFilter
		req.Processor = binProc
		req.Cookie = cookie
		return req
	}, nil)
	if err != nil {
		return nil, err
	}
	return c.entriesOf(entries)
}

// --- queries ----------------------------------------------------------

// KeySet returns the keys matching filter, accumulated across pages.
func (c *RemoteCache) KeySet(filter interface{}) ([]interface{}, error) {
	binKeys, err := c.queryBinary(filter, true)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(binKeys))
	for _, b := range binKeys {
		key, err := c.fromBinaryKey(b)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// EntrySet returns the entries matching filter, accumulated across pages.
// The entries come back in no particular order; the order in which the
// server paged them is not preserved.
func (c *RemoteCache) EntrySet(filter interface{}) ([]Entry, error) {
	binFilter, err := c.toBinary(filter)
	if err != nil {
		return nil, err
	}
	entries, _, err := c.paged(func(cookie []byte) types.Request {
		req := protocol.NewQueryRequest()
		req.CacheName = c.name
		req.Filter = binFilter
		req.Cookie = cookie
		return req
	}, filterAnchor(filter))
	if err != nil {
		return nil, err
	}
	return c.entriesOf(entries)
}

// EntrySetSorted is the limit-filter path: the server query runs without
// the comparator, the full result sorts locally, and the page window is
// extracted locally.
func (c *RemoteCache) EntrySetSorted(filter interface{}, less func(a, b Entry) bool, pageSize, page int) ([]Entry, error) {
	entries, err := c.EntrySet(filter)
	if err != nil {
		return nil, err
	}
	if less != nil {
		sort.SliceStable(entries, func(i, j int) bool {
			return less(entries[i], entries[j])
		})
	}
	if pageSize <= 0 {
		return entries, nil
	}
	start := page * pageSize
	if start >= len(entries) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end], nil
}

func (c *RemoteCache) queryBinary(filter interface{}, keysOnly bool) ([][]byte, error) {
	binFilter, err := c.toBinary(filter)
	if err != nil {
		return nil, err
	}
	_, keys, err := c.paged(func(cookie []byte) types.Request {
		req := protocol.NewQueryRequest()
		req.CacheName = c.name
		req.Filter = binFilter
		req.KeysOnly = keysOnly
		req.Cookie = cookie
		return req
	}, filterAnchor(filter))
	return keys, err
}

// filterAnchor returns the LimitFilter whose anchor state must be updated
// from each partial response, or nil for ordinary filters.
func filterAnchor(filter interface{}) *LimitFilter {
	lf, _ := filter.(*LimitFilter)
	return lf
}

// paged re-issues newReq with each returned cookie until the server sends
// a page with no cookie. Keys are concatenated in page order; entries are
// merged into one map, so their order is not kept.
func (c *RemoteCache) paged(newReq func(cookie []byte) types.Request, anchor *LimitFilter) (map[string][]byte, [][]byte, error) {
	if err := c.available(); err != nil {
		return nil, nil, err
	}

	entries := make(map[string][]byte)
	var keys [][]byte
	var cookie []byte
	for {
		resp, err := c.channel.Request(newReq(cookie), c.requestTimeout)
		if err != nil {
			return nil, nil, err
		}
		page, ok := resp.(*protocol.NamedCachePartialResponse)
		if !ok {
			return nil, nil, types.NewValidationError(fmt.Sprintf("cache %q: unexpected paged response type %T", c.name, resp))
		}
		for k, v := range page.Entries {
			entries[k] = v
		}
		keys = append(keys, page.Keys...)
		if anchor != nil && len(page.Filter) > 0 {
			if err := c.serializer.Deserialize(bytes.NewReader(page.Filter), anchor); err != nil {
				return nil, nil, err
			}
		}
		if !page.HasMore() {
			return entries, keys, nil
		}
		cookie = page.Cookie
	}
}

func (c *RemoteCache) entriesOf(binary map[string][]byte) ([]Entry, error) {
	out := make([]Entry, 0, len(binary))
	for k, v := range binary {
		key, err := c.fromBinaryKey([]byte(k))
		if err != nil {
			return nil, err
		}
		value, err := c.fromBinary(v)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: value})
	}
	return out, nil
}
