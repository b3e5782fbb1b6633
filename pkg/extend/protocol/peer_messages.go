package protocol

import (
	"github.com/jabolina/go-extend/pkg/extend/types"
)

// Internal control message type ids. These never cross the transport; the
// service loop uses them to route connection/channel lifecycle work through
// the same single-threaded dispatch path as wire messages, instead of
// special-casing lifecycle calls outside that loop.
const (
	TypeOpenConnection  int32 = -1
	TypeCloseConnection int32 = -2
	TypeOpenChannel     int32 = -3
	TypeCloseChannel    int32 = -4
	TypeCreateChannel   int32 = -5
	TypeAcceptChannel   int32 = -6
	TypeNotifyShutdown  int32 = -7
	TypeNotifyStartup   int32 = -8
	TypeEncodedMessage  int32 = -9
	TypePeerResponse    int32 = -10
)

// PeerProtocolName identifies the always-present control channel's
// protocol (channel id 0), used by every connection regardless of which
// application protocols (e.g. NamedCache) ride alongside it.
const PeerProtocolName = "PeerProtocol"

// Peer protocol wire message type ids (channel 0 traffic).
const (
	TypePingRequest               int32 = 3
	TypePingResponse              int32 = 4
	TypeNotifyConnectionClosed     int32 = 10
	TypeOpenChannelRequest         int32 = 11
	TypeOpenChannelResponse        int32 = 12
	TypeAcceptChannelRequest       int32 = 13
	TypeAcceptChannelResponse      int32 = 14
)

const (
	peerProtocolCurrentVersion   int32 = 1
	peerProtocolSupportedVersion int32 = 1
)

// PingRequest/PingResponse implement the liveness probe described for
// Connection: the service loop sends one whenever the ping interval has
// elapsed since the last ping it sent, and expects a matching
// PingResponse within the ping timeout.
type PingRequest struct {
	types.BaseRequest
}

func NewPingRequest() *PingRequest {
	return &PingRequest{BaseRequest: types.NewBaseRequest(TypePingRequest, peerProtocolCurrentVersion)}
}

type PingResponse struct {
	types.BaseResponse
}

func NewPingResponse() *PingResponse {
	return &PingResponse{BaseResponse: types.NewBaseResponse(TypePingResponse, peerProtocolCurrentVersion)}
}

// NotifyConnectionClosed is sent on channel 0 by whichever side closes a
// Connection with notify set, to tell the peer why it tore the connection
// down, so the remote can surface
// a meaningful ConnectionException cause instead of a bare EOF.
type NotifyConnectionClosed struct {
	types.BaseMessage
	Cause string
}

func NewNotifyConnectionClosed() *NotifyConnectionClosed {
	return &NotifyConnectionClosed{BaseMessage: types.NewBaseMessage(TypeNotifyConnectionClosed, peerProtocolCurrentVersion)}
}

// OpenChannelRequest asks the peer to open a new channel bound to a named
// application protocol, carrying the requested protocol's supported
// version window so the acceptor can negotiate.
type OpenChannelRequest struct {
	types.BaseRequest
	ProtocolName     string
	CurrentVersion   int32
	SupportedVersion int32
	ReceiverName     string
	IdentityToken    []byte
}

func NewOpenChannelRequest() *OpenChannelRequest {
	return &OpenChannelRequest{BaseRequest: types.NewBaseRequest(TypeOpenChannelRequest, peerProtocolCurrentVersion)}
}

// OpenChannelResponse carries the new channel's id (from the acceptor's id
// space) and the version negotiated for ProtocolName.
type OpenChannelResponse struct {
	types.BaseResponse
	ChannelID       int32
	NegotiatedVersion int32
}

func NewOpenChannelResponse() *OpenChannelResponse {
	return &OpenChannelResponse{BaseResponse: types.NewBaseResponse(TypeOpenChannelResponse, peerProtocolCurrentVersion)}
}

// AcceptChannelRequest/AcceptChannelResponse complete the symmetric
// handshake for channels whose state the far side pre-allocated with
// CreateChannel: the URI names the pre-built channel, and a successful
// response means both ends now consider it open.
type AcceptChannelRequest struct {
	types.BaseRequest
	URI           string
	IdentityToken []byte
}

func NewAcceptChannelRequest() *AcceptChannelRequest {
	return &AcceptChannelRequest{BaseRequest: types.NewBaseRequest(TypeAcceptChannelRequest, peerProtocolCurrentVersion)}
}

type AcceptChannelResponse struct {
	types.BaseResponse
}

func NewAcceptChannelResponse() *AcceptChannelResponse {
	return &AcceptChannelResponse{BaseResponse: types.NewBaseResponse(TypeAcceptChannelResponse, peerProtocolCurrentVersion)}
}

// Internal control messages. These carry the negative type ids above and
// are never given to a Codec. The service loop type-switches on
// NotifyStartup, NotifyShutdown, CloseConnection, CloseChannel and
// EncodedMessage, which ride the same queue, in the same order, as
// inbound wire traffic; any other control message reaching it is logged
// as unhandled. TypeOpenChannel has no message type.

// NotifyStartup transitions the service from starting to started once the
// service loop has drained everything posted before it.
type NotifyStartup struct{ types.BaseMessage }

func NewNotifyStartup() *NotifyStartup {
	return &NotifyStartup{types.NewBaseMessage(TypeNotifyStartup, peerProtocolCurrentVersion)}
}

// NotifyShutdown begins teardown; the service need not be fully stopped by
// the time this message completes.
type NotifyShutdown struct{ types.BaseMessage }

func NewNotifyShutdown() *NotifyShutdown {
	return &NotifyShutdown{types.NewBaseMessage(TypeNotifyShutdown, peerProtocolCurrentVersion)}
}

// OpenConnection is the work order for registering a freshly-connected
// transport. Peer.Connect registers connections directly, so nothing in
// this module posts it.
type OpenConnection struct{ types.BaseMessage }

func NewOpenConnection() *OpenConnection {
	return &OpenConnection{types.NewBaseMessage(TypeOpenConnection, peerProtocolCurrentVersion)}
}

// CloseConnection asks the service loop to tear a Connection down with the
// given cause; posted by receive pumps on transport errors and by Close
// callers on non-service threads.
type CloseConnection struct {
	types.BaseMessage
	Cause error
}

func NewCloseConnection(cause error) *CloseConnection {
	return &CloseConnection{BaseMessage: types.NewBaseMessage(TypeCloseConnection, peerProtocolCurrentVersion), Cause: cause}
}

// CloseChannel scopes the same teardown to a single channel.
type CloseChannel struct {
	types.BaseMessage
	ChannelID int32
	Cause     error
}

func NewCloseChannel(channelID int32, cause error) *CloseChannel {
	return &CloseChannel{BaseMessage: types.NewBaseMessage(TypeCloseChannel, peerProtocolCurrentVersion), ChannelID: channelID, Cause: cause}
}

// CreateChannel carries the protocol name for acceptor-side channel
// pre-allocation. Nothing in this module posts it, and the service loop
// does not handle it.
type CreateChannel struct {
	types.BaseMessage
	ProtocolName string
}

func NewCreateChannel(protocolName string) *CreateChannel {
	return &CreateChannel{BaseMessage: types.NewBaseMessage(TypeCreateChannel, peerProtocolCurrentVersion), ProtocolName: protocolName}
}

// AcceptChannel carries a previously-created channel URI for acceptor-side
// binding. Nothing in this module posts it, and the service loop does not
// handle it.
type AcceptChannel struct {
	types.BaseMessage
	URI string
}

func NewAcceptChannel(uri string) *AcceptChannel {
	return &AcceptChannel{BaseMessage: types.NewBaseMessage(TypeAcceptChannel, peerProtocolCurrentVersion), URI: uri}
}

// EncodedMessage wraps one raw inbound frame pulled off a transport by a
// receive pump; the service loop decodes and dispatches it.
type EncodedMessage struct {
	types.BaseMessage
	Frame []byte
}

func NewEncodedMessage(frame []byte) *EncodedMessage {
	return &EncodedMessage{BaseMessage: types.NewBaseMessage(TypeEncodedMessage, peerProtocolCurrentVersion), Frame: frame}
}

// PeerResponse is the acknowledgement type for internal control requests;
// nothing in this module creates one, and it never crosses the wire.
type PeerResponse struct{ types.BaseResponse }

func NewPeerResponse() *PeerResponse {
	return &PeerResponse{types.NewBaseResponse(TypePeerResponse, peerProtocolCurrentVersion)}
}

// NewPeerFactory builds the Factory for the always-present control
// protocol. Every Connection registers one instance of this alongside
// whatever application protocols (NamedCache, ...) it negotiates.
func NewPeerFactory() Factory {
	f := newMapFactory(PeerProtocolName, peerProtocolCurrentVersion, peerProtocolSupportedVersion)
	f.register(TypePingRequest, func() types.Message { return NewPingRequest() })
	f.register(TypePingResponse, func() types.Message { return NewPingResponse() })
	f.register(TypeNotifyConnectionClosed, func() types.Message { return NewNotifyConnectionClosed() })
	f.register(TypeOpenChannelRequest, func() types.Message { return NewOpenChannelRequest() })
	f.register(TypeOpenChannelResponse, func() types.Message { return NewOpenChannelResponse() })
	f.register(TypeAcceptChannelRequest, func() types.Message { return NewAcceptChannelRequest() })
	f.register(TypeAcceptChannelResponse, func() types.Message { return NewAcceptChannelResponse() })
	return f
}
