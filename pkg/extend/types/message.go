package types

// Message is implemented by every typed payload that can ride a Channel.
// Positive TypeID values are protocol messages that cross the wire;
// negative values are internal control messages processed only by the
// service loop and never encoded onto the transport.
//
// A Message does not hold a live back-reference to the Channel it
// arrived on — that would make this package import core, which imports
// types. Callers that need "which channel did this arrive on" carry the
// channel id alongside the message instead (see Receiver).
type Message interface {
	TypeID() int32
	Evolvable() *Evolvable
}

// BaseMessage is embedded by every concrete message type to satisfy
// Message without repeating the bookkeeping. The fields are exported so a
// struct-walking Serializer (such as the reference gob one) can carry them
// inside the payload; the codec additionally carries TypeID and the
// evolvable metadata outside the payload, which is the copy the decode
// path trusts.
type BaseMessage struct {
	MsgTypeID int32
	Evo       Evolvable
}

func NewBaseMessage(typeID int32, implVersion int32) BaseMessage {
	return BaseMessage{MsgTypeID: typeID, Evo: NewEvolvable(implVersion)}
}

func (b *BaseMessage) TypeID() int32 {
	return b.MsgTypeID
}

func (b *BaseMessage) Evolvable() *Evolvable {
	return &b.Evo
}

// Request is a Message carrying a channel-local request id and, once
// issued through Channel.Request, the RequestStatus the caller awaits.
type Request interface {
	Message
	RequestID() int64
	SetRequestID(id int64)
}

type BaseRequest struct {
	BaseMessage
	ReqID int64
}

func NewBaseRequest(typeID int32, implVersion int32) BaseRequest {
	return BaseRequest{BaseMessage: NewBaseMessage(typeID, implVersion)}
}

func (r *BaseRequest) RequestID() int64 {
	return r.ReqID
}

func (r *BaseRequest) SetRequestID(id int64) {
	r.ReqID = id
}

// Response is a Message answering a prior Request. When IsFailure reports
// true, the remote exception travels as a (class, message) pair and is
// surfaced to the caller as a *PortableException.
type Response interface {
	Message
	InReplyTo() int64
	SetInReplyTo(id int64)
	IsFailure() bool
	Fail(remoteClass, message string)
	FailureCause() error
}

type BaseResponse struct {
	BaseMessage
	ReqID        int64
	Failure      bool
	ErrorClass   string
	ErrorMessage string
}

func NewBaseResponse(typeID int32, implVersion int32) BaseResponse {
	return BaseResponse{BaseMessage: NewBaseMessage(typeID, implVersion)}
}

func (r *BaseResponse) InReplyTo() int64 {
	return r.ReqID
}

func (r *BaseResponse) SetInReplyTo(id int64) {
	r.ReqID = id
}

func (r *BaseResponse) IsFailure() bool {
	return r.Failure
}

func (r *BaseResponse) Fail(remoteClass, message string) {
	r.Failure = true
	r.ErrorClass = remoteClass
	r.ErrorMessage = message
}

func (r *BaseResponse) FailureCause() error {
	if !r.Failure {
		return nil
	}
	return NewPortableException(r.ErrorClass, r.ErrorMessage)
}

// PartialResponse is a Response paging token: a non-empty Cookie means the
// caller must re-issue the originating request carrying this cookie to
// fetch the next page, while an empty one signals end-of-stream.
type PartialResponse struct {
	BaseResponse
	Cookie []byte
}

func NewPartialResponse(typeID int32, implVersion int32) *PartialResponse {
	return &PartialResponse{BaseResponse: NewBaseResponse(typeID, implVersion)}
}

func (p *PartialResponse) HasMore() bool {
	return len(p.Cookie) > 0
}

// Receiver consumes messages that arrive on a channel outside of the
// request/response correlation path — server-initiated events and other
// push messages. It must not block: it runs on the peer's single service
// thread.
type Receiver interface {
	Protocol() string
	OnMessage(channelID int32, msg Message)
}
