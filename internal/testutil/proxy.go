// Package testutil hosts the in-memory grid proxy the package tests talk
// to: a scripted far end speaking the peer and named-cache protocols over
// a wire.PipeTransport, with just enough cache semantics (a map per cache
// name, paged queries, listener bookkeeping) to exercise the client
// end to end without a real grid.
package testutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// Proxy is the scripted far end of one connection.
type Proxy struct {
	transport  *wire.PipeTransport
	serializer wire.Serializer
	codec      wire.Codec

	peerFactory  protocol.Factory
	cacheFactory protocol.Factory

	mu            sync.Mutex
	channels      map[int32]string // channel id -> cache name
	cacheChannels map[string]int32
	nextChannel   int32
	stores        map[string]map[string][]byte
	requests      map[int32]int // wire type id -> count
	listenerOps   []string
	lastListener  *protocol.ListenerKeyRequest
	closed        bool

	// Version is the named-cache current version this proxy declares in
	// negotiation; lower it to simulate an old peer.
	Version int32

	// PageSize bounds one query page.
	PageSize int

	// DropPings silences ping responses so the client's liveness sweep
	// trips.
	DropPings bool

	// Filters mirrors the client's stream filter chain; both sides must
	// agree on it for frames to decode.
	Filters wire.FilterChain

	// Stall suppresses every cache-channel response while set, leaving
	// requests pending.
	stall bool

	done chan struct{}
}

// NewProxy wires a proxy to one end of an in-memory pipe and returns the
// other end for the client peer to Connect with. The mutators run before
// the serve goroutine starts, so they may set the exported knobs without
// synchronization.
func NewProxy(mutators ...func(*Proxy)) (*Proxy, *wire.PipeTransport) {
	clientEnd, proxyEnd := wire.NewPipe(64)
	p := &Proxy{
		transport:     proxyEnd,
		serializer:    wire.GobSerializer{},
		codec:         wire.StreamCodec{},
		peerFactory:   protocol.NewPeerFactory(),
		cacheFactory:  protocol.NewNamedCacheFactory(),
		channels:      make(map[int32]string),
		cacheChannels: make(map[string]int32),
		stores:        make(map[string]map[string][]byte),
		requests:      make(map[int32]int),
		Version:       8,
		PageSize:      100,
		done:          make(chan struct{}),
	}
	for _, mutate := range mutators {
		mutate(p)
	}
	go p.serve()
	return p, clientEnd
}

// Close tears down the proxy's transport end, which the client observes
// as a connection error.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.transport.Close()
	<-p.done
}

// SetStall toggles response suppression on cache channels.
func (p *Proxy) SetStall(v bool) {
	p.mu.Lock()
	p.stall = v
	p.mu.Unlock()
}

// RequestCount reports how many wire requests of the given type id this
// proxy has received.
func (p *Proxy) RequestCount(typeID int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[typeID]
}

// ListenerOps reports the listener (de)registrations received, in order.
func (p *Proxy) ListenerOps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.listenerOps...)
}

// LastListenerKeyRequest returns the most recent key registration, for
// asserting on its flags and key payload.
func (p *Proxy) LastListenerKeyRequest() *protocol.ListenerKeyRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastListener
}

// Seed populates a cache's store directly, bypassing the wire.
func (p *Proxy) Seed(cacheName string, key, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store(cacheName)[string(key)] = value
}

// store must be called with mu held.
func (p *Proxy) store(cacheName string) map[string][]byte {
	s, ok := p.stores[cacheName]
	if !ok {
		s = make(map[string][]byte)
		p.stores[cacheName] = s
	}
	return s
}

// PushEvent emits a server-initiated MapEventMessage on the channel bound
// to cacheName.
func (p *Proxy) PushEvent(cacheName string, event *protocol.MapEventMessage) error {
	p.mu.Lock()
	channelID, ok := p.cacheChannels[cacheName]
	p.mu.Unlock()
	if !ok {
		return types.NewValidationError("no channel open for cache " + cacheName)
	}
	return p.send(channelID, event)
}

// PushNoStorage emits the storage-members-lost notification.
func (p *Proxy) PushNoStorage(cacheName string) error {
	p.mu.Lock()
	channelID, ok := p.cacheChannels[cacheName]
	p.mu.Unlock()
	if !ok {
		return types.NewValidationError("no channel open for cache " + cacheName)
	}
	return p.send(channelID, protocol.NewNoStorageMembers())
}

func (p *Proxy) serve() {
	defer close(p.done)
	for {
		frame, err := p.transport.Receive()
		if err != nil {
			return
		}
		p.handleFrame(frame)
	}
}

func (p *Proxy) handleFrame(frame []byte) {
	if len(p.Filters) > 0 {
		unwrapped, err := io.ReadAll(p.Filters.WrapReader(bytes.NewReader(frame)))
		if err != nil {
			return
		}
		frame = unwrapped
	}
	channelID, codecBytes, err := wire.DecodeFrame(frame)
	if err != nil {
		return
	}
	typeID, implVersion, payload, futureData, err := p.codec.Decode(bytes.NewReader(codecBytes))
	if err != nil {
		return
	}

	factory := p.peerFactory
	if channelID != 0 {
		factory = p.cacheFactory
	}
	msg, err := factory.NewMessage(typeID)
	if err != nil {
		return
	}
	if err := p.serializer.Deserialize(bytes.NewReader(payload), msg); err != nil {
		return
	}
	msg.Evolvable().SetImplVersion(implVersion)
	msg.Evolvable().SetFutureData(futureData)

	if channelID == 0 {
		p.handleControl(msg)
		return
	}
	p.handleCache(channelID, msg)
}

func (p *Proxy) handleControl(msg types.Message) {
	switch m := msg.(type) {
	case *protocol.PingRequest:
		if p.DropPings {
			return
		}
		resp := protocol.NewPingResponse()
		resp.SetInReplyTo(m.RequestID())
		_ = p.send(0, resp)

	case *protocol.OpenChannelRequest:
		p.mu.Lock()
		p.nextChannel--
		id := p.nextChannel
		p.channels[id] = m.ReceiverName
		p.cacheChannels[m.ReceiverName] = id
		p.mu.Unlock()

		version := p.Version
		if m.CurrentVersion < version {
			version = m.CurrentVersion
		}
		resp := protocol.NewOpenChannelResponse()
		resp.SetInReplyTo(m.RequestID())
		resp.ChannelID = id
		resp.NegotiatedVersion = version
		_ = p.send(0, resp)

	case *protocol.AcceptChannelRequest:
		resp := protocol.NewAcceptChannelResponse()
		resp.SetInReplyTo(m.RequestID())
		_ = p.send(0, resp)

	case *protocol.NotifyConnectionClosed:
		// The client is going away; nothing to answer.
	}
}

func (p *Proxy) handleCache(channelID int32, msg types.Message) {
	p.mu.Lock()
	p.requests[msg.TypeID()]++
	cacheName := p.channels[channelID]
	stalled := p.stall
	p.mu.Unlock()
	if stalled {
		return
	}

	switch m := msg.(type) {
	case *protocol.SizeRequest:
		resp := p.response(m.RequestID())
		p.mu.Lock()
		resp.Count = int64(len(p.store(cacheName)))
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.ContainsKeyRequest:
		resp := p.response(m.RequestID())
		p.mu.Lock()
		_, resp.Flag = p.store(cacheName)[string(m.Key)]
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.ContainsValueRequest:
		resp := p.response(m.RequestID())
		p.mu.Lock()
		for _, v := range p.store(cacheName) {
			if bytes.Equal(v, m.Value) {
				resp.Flag = true
				break
			}
		}
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.ContainsAllRequest:
		resp := p.response(m.RequestID())
		resp.Flag = true
		p.mu.Lock()
		for _, k := range m.Keys {
			if _, ok := p.store(cacheName)[string(k)]; !ok {
				resp.Flag = false
				break
			}
		}
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.GetAllRequest:
		resp := p.response(m.RequestID())
		resp.Entries = make(map[string][]byte)
		p.mu.Lock()
		for _, k := range m.Keys {
			if v, ok := p.store(cacheName)[string(k)]; ok {
				resp.Entries[string(k)] = v
			}
		}
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.PutRequest:
		resp := p.response(m.RequestID())
		p.mu.Lock()
		if m.ReturnValue {
			resp.Value = p.store(cacheName)[string(m.Key)]
		}
		p.store(cacheName)[string(m.Key)] = m.Value
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.PutAllRequest:
		p.mu.Lock()
		for k, v := range m.Entries {
			p.store(cacheName)[k] = v
		}
		p.mu.Unlock()
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.RemoveRequest:
		resp := p.response(m.RequestID())
		p.mu.Lock()
		if m.ReturnValue {
			resp.Value = p.store(cacheName)[string(m.Key)]
		}
		delete(p.store(cacheName), string(m.Key))
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.RemoveAllRequest:
		p.mu.Lock()
		for _, k := range m.Keys {
			delete(p.store(cacheName), string(k))
		}
		p.mu.Unlock()
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.ClearRequest:
		p.mu.Lock()
		p.stores[cacheName] = make(map[string][]byte)
		p.mu.Unlock()
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.ListenerKeyRequest:
		p.mu.Lock()
		p.lastListener = m
		if m.Add {
			p.listenerOps = append(p.listenerOps, "key-add")
		} else {
			p.listenerOps = append(p.listenerOps, "key-remove")
		}
		p.mu.Unlock()
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.ListenerFilterRequest:
		p.mu.Lock()
		if m.Add {
			p.listenerOps = append(p.listenerOps, "filter-add")
		} else {
			p.listenerOps = append(p.listenerOps, "filter-remove")
		}
		p.mu.Unlock()
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.IndexRequest:
		_ = p.send(channelID, p.response(m.RequestID()))

	case *protocol.LockRequest:
		resp := p.response(m.RequestID())
		resp.Flag = true
		_ = p.send(channelID, resp)

	case *protocol.UnlockRequest:
		resp := p.response(m.RequestID())
		resp.Flag = true
		_ = p.send(channelID, resp)

	case *protocol.QueryRequest:
		p.handleQuery(channelID, cacheName, m.RequestID(), m.Cookie, m.KeysOnly)

	case *protocol.InvokeFilterRequest:
		// The reference proxy has no processor semantics; it answers the
		// paged shape with the current entries.
		p.handleQuery(channelID, cacheName, m.RequestID(), m.Cookie, false)

	case *protocol.InvokeAllRequest:
		resp := p.response(m.RequestID())
		resp.Entries = make(map[string][]byte)
		p.mu.Lock()
		for _, k := range m.Keys {
			if v, ok := p.store(cacheName)[string(k)]; ok {
				resp.Entries[string(k)] = v
			}
		}
		p.mu.Unlock()
		_ = p.send(channelID, resp)

	case *protocol.AggregateAllRequest:
		resp := p.response(m.RequestID())
		_ = p.send(channelID, resp)

	case *protocol.AggregateFilterRequest:
		resp := p.response(m.RequestID())
		_ = p.send(channelID, resp)
	}
}

// handleQuery pages the (sorted, for determinism) key set by PageSize,
// encoding the next offset in the cookie.
func (p *Proxy) handleQuery(channelID int32, cacheName string, requestID int64, cookie []byte, keysOnly bool) {
	offset := 0
	if len(cookie) == 4 {
		offset = int(binary.BigEndian.Uint32(cookie))
	}

	p.mu.Lock()
	store := p.store(cacheName)
	keys := make([]string, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	end := offset + p.PageSize
	if end > len(keys) {
		end = len(keys)
	}
	resp := protocol.NewNamedCachePartialResponse()
	resp.SetInReplyTo(requestID)
	for _, k := range keys[offset:end] {
		if keysOnly {
			resp.Keys = append(resp.Keys, []byte(k))
		} else {
			resp.Entries[k] = store[k]
		}
	}
	p.mu.Unlock()

	if end < len(keys) {
		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, uint32(end))
		resp.Cookie = next
	}
	_ = p.send(channelID, resp)
}

func (p *Proxy) response(requestID int64) *protocol.CacheResponse {
	resp := protocol.NewCacheResponse()
	resp.SetInReplyTo(requestID)
	return resp
}

func (p *Proxy) send(channelID int32, msg types.Message) error {
	var payload bytes.Buffer
	if err := p.serializer.Serialize(&payload, msg); err != nil {
		return err
	}
	var codecOut bytes.Buffer
	if err := p.codec.Encode(&codecOut, msg.TypeID(), msg.Evolvable().ImplVersion(), payload.Bytes(), msg.Evolvable().FutureData()); err != nil {
		return err
	}
	frame := wire.EncodeFrame(channelID, codecOut.Bytes())
	if len(p.Filters) > 0 {
		var filtered bytes.Buffer
		w, closers := p.Filters.WrapWriter(&filtered)
		if _, err := w.Write(frame); err != nil {
			return err
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				return err
			}
		}
		frame = filtered.Bytes()
	}
	return p.transport.Send(frame)
}
