package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/go-extend/pkg/extend/definition"
	"github.com/jabolina/go-extend/pkg/extend/gate"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// Connection owns one Transport and every Channel multiplexed over it. A
// Peer holds one Connection per Connect call; the acceptor role this type
// also supports (AcceptChannel) exists so the
// same code serves a channel the remote side opens towards us, such as a
// server-push event channel.
type Connection struct {
	id     types.ConnectionID
	peerID types.ConnectionID

	transport wire.Transport
	codec     wire.Codec
	serializer wire.Serializer
	filters   wire.FilterChain

	channelMutex sync.RWMutex
	channels     map[int32]*Channel
	// pendingAccept holds acceptor-side channels pre-built by
	// CreateChannel that the remote has not yet claimed with an
	// AcceptChannelRequest.
	pendingAccept map[int32]*Channel

	nextInitiatorID int32
	nextAcceptorID  int32

	entry   *gate.Gate
	closed  int32
	stats   *definition.ConnectionStats
	manager ConnectionManager
	log     types.Logger

	maxOutgoing int
	maxIncoming int

	lastOutboundNanos int64

	// Ping state, touched only by the service loop.
	pingStatus *types.RequestStatus
	pingSent   time.Time
}

type connectionParams struct {
	Transport   wire.Transport
	Codec       wire.Codec
	Serializer  wire.Serializer
	Filters     wire.FilterChain
	Stats       *definition.ConnectionStats
	Manager     ConnectionManager
	Log         types.Logger
	MaxOutgoing int
	MaxIncoming int
}

func newConnection(p connectionParams) *Connection {
	return &Connection{
		id:         types.NewConnectionID(),
		transport:  p.Transport,
		codec:      p.Codec,
		serializer: p.Serializer,
		filters:    p.Filters,
		channels:   make(map[int32]*Channel),
		pendingAccept: make(map[int32]*Channel),
		entry:      gate.New(),
		stats:      p.Stats,
		manager:    p.Manager,
		log:        p.Log,
		maxOutgoing: p.MaxOutgoing,
		maxIncoming: p.MaxIncoming,
	}
}

func (c *Connection) ID() types.ConnectionID { return c.id }

// Serializer exposes the object codec channels on this connection encode
// their payloads with, for layers (RemoteCache) that convert user objects
// to binary before a message is even built.
func (c *Connection) Serializer() wire.Serializer { return c.serializer }

func (c *Connection) PeerID() types.ConnectionID { return c.peerID }

func (c *Connection) SetPeerID(id types.ConnectionID) { c.peerID = id }

func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// Channel looks up a previously created/opened channel by id.
func (c *Connection) Channel(id int32) (*Channel, bool) {
	c.channelMutex.RLock()
	defer c.channelMutex.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

func (c *Connection) allocateInitiatorID() int32 {
	for {
		id := atomic.AddInt32(&c.nextInitiatorID, 1)
		if id <= 0 {
			atomic.StoreInt32(&c.nextInitiatorID, 0)
			continue
		}
		c.channelMutex.RLock()
		_, taken := c.channels[id]
		if !taken {
			_, taken = c.pendingAccept[id]
		}
		c.channelMutex.RUnlock()
		if !taken {
			return id
		}
	}
}

func (c *Connection) allocateAcceptorID() int32 {
	for {
		id := atomic.AddInt32(&c.nextAcceptorID, -1)
		if id >= 0 || id == math.MinInt32 {
			atomic.StoreInt32(&c.nextAcceptorID, 0)
			continue
		}
		c.channelMutex.RLock()
		_, taken := c.channels[id]
		if !taken {
			_, taken = c.pendingAccept[id]
		}
		c.channelMutex.RUnlock()
		if !taken {
			return id
		}
	}
}

// createChannel registers a new Channel under id, the shared step the
// open and accept handshakes both build on.
func (c *Connection) createChannel(id int32, factory protocol.Factory, version int32, receiver types.Receiver) *Channel {
	ch := newChannel(id, factory, version, c, receiver, c.log)
	c.channelMutex.Lock()
	c.channels[id] = ch
	c.channelMutex.Unlock()
	return ch
}

// bindControlChannel installs channel 0, the always-present peer-protocol
// channel every connection starts with, before any handshake traffic can
// be sent.
func (c *Connection) bindControlChannel(factory protocol.Factory, receiver types.Receiver) *Channel {
	return c.createChannel(ControlChannelID, factory, factory.CurrentVersion(), receiver)
}

// OpenChannel asks the remote side, over the control channel, to bind a
// new application protocol channel and negotiates its version. The
// channel id is assigned by the remote from its acceptor space and
// returned in the response. subject is bound to the local channel as-is;
// identityToken travels opaquely and is interpreted by the remote's
// identity asserter.
func (c *Connection) OpenChannel(factory protocol.Factory, receiverName string, receiver types.Receiver, subject interface{}, identityToken []byte, requestTimeoutMillis int64) (*Channel, error) {
	control, ok := c.Channel(ControlChannelID)
	if !ok {
		return nil, types.NewConnectionException("control channel not established", nil)
	}

	req := protocol.NewOpenChannelRequest()
	req.ProtocolName = factory.Protocol()
	req.CurrentVersion = factory.CurrentVersion()
	req.SupportedVersion = factory.SupportedVersion()
	req.ReceiverName = receiverName
	req.IdentityToken = identityToken

	response, err := control.Request(req, requestTimeoutMillis)
	if err != nil {
		return nil, err
	}
	resp, ok := response.(*protocol.OpenChannelResponse)
	if !ok {
		return nil, types.NewConnectionException("unexpected response type for OpenChannelRequest", nil)
	}
	ch := c.createChannel(resp.ChannelID, factory, resp.NegotiatedVersion, receiver)
	ch.subject = subject
	return ch, nil
}

// onOpenChannelRequest handles an OpenChannelRequest the remote side sent
// us: it asserts the identity token, allocates an id from the acceptor
// space, negotiates the version against a locally-registered Factory for
// the requested protocol, and returns both the new Channel and the
// response message the caller (the service loop) must send back. A token
// the asserter rejects fails the open request only; the connection and
// its other channels are unaffected.
func (c *Connection) onOpenChannelRequest(req *protocol.OpenChannelRequest, registry *protocol.Registry, receiver types.Receiver, asserter func([]byte) (interface{}, error)) (*Channel, *protocol.OpenChannelResponse, error) {
	var subject interface{}
	if asserter != nil {
		var err error
		subject, err = asserter(req.IdentityToken)
		if err != nil {
			return nil, nil, types.NewValidationError(fmt.Sprintf("identity token rejected: %v", err))
		}
	}
	factory, err := registry.Lookup(req.ProtocolName)
	if err != nil {
		return nil, nil, err
	}
	version, err := protocol.NegotiateVersionInts(factory.CurrentVersion(), factory.SupportedVersion(), req.CurrentVersion, req.SupportedVersion)
	if err != nil {
		return nil, nil, types.NewValidationError(err.Error())
	}
	id := c.allocateAcceptorID()
	ch := c.createChannel(id, factory, version, receiver)
	ch.subject = subject

	resp := protocol.NewOpenChannelResponse()
	resp.SetInReplyTo(req.RequestID())
	resp.ChannelID = id
	resp.NegotiatedVersion = version
	return ch, resp, nil
}

// CreateChannel pre-allocates acceptor-side channel state with no wire
// exchange and returns the URI the remote side later presents in an
// AcceptChannelRequest. Service-thread-only, like every mutation of the
// pending-accept table.
func (c *Connection) CreateChannel(factory protocol.Factory, receiver types.Receiver) types.ChannelURI {
	id := c.allocateAcceptorID()
	ch := newChannel(id, factory, factory.CurrentVersion(), c, receiver, c.log)
	c.channelMutex.Lock()
	c.pendingAccept[id] = ch
	c.channelMutex.Unlock()
	return types.ChannelURI{ChannelID: id, Protocol: factory.Protocol()}
}

// AcceptChannelByURI is the initiator side of the accept handshake: it
// round-trips an AcceptChannelRequest naming a channel the remote
// pre-built with CreateChannel, then binds the local end under the id the
// URI names.
func (c *Connection) AcceptChannelByURI(uri types.ChannelURI, factory protocol.Factory, receiver types.Receiver, subject interface{}, identityToken []byte, requestTimeoutMillis int64) (*Channel, error) {
	if uri.Protocol != factory.Protocol() {
		return nil, types.NewValidationError(fmt.Sprintf("channel uri protocol %q does not match factory protocol %q", uri.Protocol, factory.Protocol()))
	}
	control, ok := c.Channel(ControlChannelID)
	if !ok {
		return nil, types.NewConnectionException("control channel not established", nil)
	}

	req := protocol.NewAcceptChannelRequest()
	req.URI = uri.String()
	req.IdentityToken = identityToken

	if _, err := control.Request(req, requestTimeoutMillis); err != nil {
		return nil, err
	}
	ch := c.createChannel(uri.ChannelID, factory, factory.CurrentVersion(), receiver)
	ch.subject = subject
	return ch, nil
}

// onAcceptChannelRequest moves a pending-accept channel into the open
// table and builds the response the service loop sends back. Unknown URIs
// fail the request only.
func (c *Connection) onAcceptChannelRequest(req *protocol.AcceptChannelRequest, asserter func([]byte) (interface{}, error)) (*protocol.AcceptChannelResponse, error) {
	uri, err := types.ParseChannelURI(req.URI)
	if err != nil {
		return nil, err
	}
	var subject interface{}
	if asserter != nil {
		subject, err = asserter(req.IdentityToken)
		if err != nil {
			return nil, types.NewValidationError(fmt.Sprintf("identity token rejected: %v", err))
		}
	}

	c.channelMutex.Lock()
	ch, ok := c.pendingAccept[uri.ChannelID]
	if ok {
		delete(c.pendingAccept, uri.ChannelID)
		c.channels[uri.ChannelID] = ch
	}
	c.channelMutex.Unlock()
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("no pending channel for uri %q", req.URI))
	}
	ch.subject = subject

	resp := protocol.NewAcceptChannelResponse()
	resp.SetInReplyTo(req.RequestID())
	return resp, nil
}

// encodeMessage serializes msg's domain payload, frames it through the
// codec and channel-id header, and applies the stream filter chain,
// producing the exact bytes the transport will carry.
func (c *Connection) encodeMessage(channelID int32, msg types.Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := c.serializer.Serialize(&payload, msg); err != nil {
		return nil, err
	}

	var codecOut bytes.Buffer
	if err := c.codec.Encode(&codecOut, msg.TypeID(), msg.Evolvable().ImplVersion(), payload.Bytes(), msg.Evolvable().FutureData()); err != nil {
		return nil, err
	}

	frame := wire.EncodeFrame(channelID, codecOut.Bytes())
	if c.maxOutgoing > 0 && len(frame) > c.maxOutgoing {
		return nil, types.NewConnectionException(
			fmt.Sprintf("outgoing message of %d bytes exceeds the %d byte cap", len(frame), c.maxOutgoing), nil)
	}
	if len(c.filters) > 0 {
		var filtered bytes.Buffer
		w, closers := c.filters.WrapWriter(&filtered)
		if _, err := w.Write(frame); err != nil {
			return nil, err
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				return nil, err
			}
		}
		frame = filtered.Bytes()
	}
	return frame, nil
}

// sendOnChannel encodes and writes msg on the caller's own goroutine, so
// transport backpressure lands on the caller rather than the service
// loop. Called by Channel.Send/Request; never called directly by
// application code.
func (c *Connection) sendOnChannel(channelID int32, msg types.Message) error {
	if c.IsClosed() {
		return types.NewConnectionException("connection is closed", nil)
	}

	frame, err := c.encodeMessage(channelID, msg)
	if err != nil {
		return err
	}
	if err := c.transport.Send(frame); err != nil {
		return err
	}

	atomic.StoreInt64(&c.lastOutboundNanos, time.Now().UnixNano())
	if c.stats != nil {
		c.stats.BytesSent.Add(float64(len(frame)))
		c.stats.MessagesSent.Inc()
	}
	return nil
}

// decodeFrame reverses sendOnChannel's framing for one frame already read
// off the transport by the service loop, returning the destination
// channel id and the reconstructed Message.
func (c *Connection) decodeFrame(frame []byte, controlFactory protocol.Factory) (int32, types.Message, error) {
	raw := frame
	if len(c.filters) > 0 {
		reader := c.filters.WrapReader(bytes.NewReader(frame))
		unwrapped, err := io.ReadAll(reader)
		if err != nil {
			return 0, nil, err
		}
		raw = unwrapped
	}

	channelID, codecBytes, err := wire.DecodeFrame(raw)
	if err != nil {
		return 0, nil, err
	}

	// From here on the channel id is known, so decode failures can be
	// scoped to the right channel by the caller's failure policy.
	typeID, implVersion, payload, futureData, err := c.codec.Decode(wire.NewFrameReader(codecBytes))
	if err != nil {
		return channelID, nil, err
	}

	factory := controlFactory
	if channelID != ControlChannelID {
		ch, ok := c.Channel(channelID)
		if !ok {
			return channelID, nil, types.NewValidationError(
				fmt.Sprintf("message for unknown channel %d", channelID))
		}
		factory = ch.factory
	}

	msg, err := factory.NewMessage(typeID)
	if err != nil {
		return channelID, nil, err
	}
	if err := c.serializer.Deserialize(bytes.NewReader(payload), msg); err != nil {
		return channelID, nil, err
	}
	msg.Evolvable().SetImplVersion(implVersion)
	msg.Evolvable().SetFutureData(futureData)

	if c.stats != nil {
		c.stats.BytesReceived.Add(float64(len(frame)))
		c.stats.MessagesReceived.Inc()
	}
	return channelID, msg, nil
}

// dispatch routes a decoded message to the owning channel, creating no new
// state — the channel must already exist (control channel always does;
// application channels are created by OpenChannel/AcceptChannel before any
// traffic can reference them).
func (c *Connection) dispatch(channelID int32, msg types.Message) {
	ch, ok := c.Channel(channelID)
	if !ok {
		c.log.Warnf("connection %s: message for unknown channel %d dropped", c.id, channelID)
		return
	}
	ch.dispatch(msg)
}

// LastOutbound reports when sendOnChannel last wrote a frame, or the zero
// time before the first send. The ping sweep does not consult it: it times
// pings from the connection's own record of the last ping sent.
func (c *Connection) LastOutbound() time.Time {
	nanos := atomic.LoadInt64(&c.lastOutboundNanos)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Close runs the connection teardown sequence: stop admitting new gate
// entrants, wait (bounded by timeoutMs) for in-flight operations to
// drain, close every non-zero channel, tell the peer why when notify is
// set, close channel 0 last, close the transport, and finally notify the
// ConnectionManager. cause is reported to every failed request as the
// ConnectionException's wrapped cause. Returns true iff this call
// performed the close; re-entrant calls return false.
func (c *Connection) Close(notify bool, timeoutMs int64, cause error) bool {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return false
	}

	c.entry.Close(timeoutMs)

	c.channelMutex.Lock()
	channels := c.channels
	c.channels = make(map[int32]*Channel)
	c.pendingAccept = make(map[int32]*Channel)
	c.channelMutex.Unlock()

	connErr := types.NewConnectionException("connection closed", cause)
	control := channels[ControlChannelID]
	for id, ch := range channels {
		if id == ControlChannelID {
			continue
		}
		ch.close(connErr)
	}

	if notify && control != nil && !control.isClosed() {
		msg := protocol.NewNotifyConnectionClosed()
		if cause != nil {
			msg.Cause = cause.Error()
		}
		// Best effort: the transport may already be the reason we are
		// closing.
		if err := c.sendNotify(ControlChannelID, msg); err != nil {
			c.log.Debugf("connection %s: close notification not sent: %v", c.id, err)
		}
	}
	if control != nil {
		control.close(connErr)
	}

	if err := c.transport.Close(); err != nil {
		c.log.Warnf("connection %s: error closing transport: %v", c.id, err)
	}

	if c.manager != nil {
		if cause != nil {
			c.manager.OnConnectionError(c, cause)
		} else {
			c.manager.OnConnectionClosed(c, nil)
		}
	}
	return true
}

// sendNotify bypasses the closed check so teardown can still push the
// close notification over a transport that may yet be writable.
func (c *Connection) sendNotify(channelID int32, msg types.Message) error {
	frame, err := c.encodeMessage(channelID, msg)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}
