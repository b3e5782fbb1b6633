package core

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/go-extend/pkg/extend/gate"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
)

// ControlChannelID is reserved for the always-present peer protocol
// channel; it is never handed out by OpenChannel/AcceptChannel.
const ControlChannelID int32 = 0

// Channel multiplexes one logical request/response stream over a shared
// Connection. Ids handed out by the initiator allocator lie in (0,
// math.MaxInt32], ids handed out by the acceptor allocator in
// [-math.MaxInt32, 0); a channel opened with OpenChannel takes the id the
// remote side allocated. 0 is reserved for the control channel.
type Channel struct {
	id       int32
	factory  protocol.Factory
	version  int32
	owner    *Connection
	receiver types.Receiver
	subject  interface{}

	requestCounter int64

	mutex   sync.Mutex
	pending map[int64]*types.RequestStatus
	closed  bool

	entry *gate.Gate
	log   types.Logger
}

func newChannel(id int32, factory protocol.Factory, version int32, owner *Connection, receiver types.Receiver, log types.Logger) *Channel {
	return &Channel{
		id:      id,
		factory: factory,
		version: version,
		owner:   owner,
		receiver: receiver,
		pending: make(map[int64]*types.RequestStatus),
		entry:   gate.New(),
		log:     log,
	}
}

func (c *Channel) ID() int32 { return c.id }

func (c *Channel) Protocol() string { return c.factory.Protocol() }

func (c *Channel) Version() int32 { return c.version }

// Subject is the identity bound to this channel by the identity asserter
// during the open handshake; nil when no token was presented.
func (c *Channel) Subject() interface{} { return c.subject }

// Connection returns the owner this channel multiplexes over.
func (c *Channel) Connection() *Connection { return c.owner }

// Send transmits msg with no expectation of a reply; used for one-way
// notifications and for replying to a request (the reply itself is a
// Response, not a Request, so it never re-enters the pending table).
func (c *Channel) Send(msg types.Message) error {
	if err := c.entry.Enter(); err != nil {
		return err
	}
	defer c.entry.Exit()
	return c.owner.sendOnChannel(c.id, msg)
}

// Request sends req, assigning it the next channel-local request id, and
// blocks until a matching Response arrives, the channel closes, or
// timeoutMillis elapses (-1 waits forever, matching RequestStatus).
func (c *Channel) Request(req types.Request, timeoutMillis int64) (types.Response, error) {
	if err := c.entry.Enter(); err != nil {
		return nil, err
	}
	defer c.entry.Exit()

	id := c.nextRequestID()
	req.SetRequestID(id)
	status := types.NewRequestStatus(req)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, types.NewChannelClosedException("channel is closed", nil)
	}
	c.pending[id] = status
	c.mutex.Unlock()

	start := time.Now()
	if err := c.owner.sendOnChannel(c.id, req); err != nil {
		c.mutex.Lock()
		delete(c.pending, id)
		c.mutex.Unlock()
		return nil, err
	}

	response, err := status.WaitForResponse(timeoutMillis)
	if err == nil && c.owner.stats != nil {
		c.owner.stats.RequestLatency.Observe(time.Since(start).Seconds())
	}
	c.mutex.Lock()
	delete(c.pending, id)
	c.mutex.Unlock()
	return response, err
}

// RequestAsync registers and sends req like Request but returns the
// RequestStatus immediately instead of waiting, for callers that cannot
// block — the service loop's ping probe being the one in-module user. The
// caller owns removing interest by letting the status complete or by
// Cancel; the pending entry is removed on completion by dispatch.
func (c *Channel) RequestAsync(req types.Request) (*types.RequestStatus, error) {
	if err := c.entry.Enter(); err != nil {
		return nil, err
	}
	defer c.entry.Exit()

	id := c.nextRequestID()
	req.SetRequestID(id)
	status := types.NewRequestStatus(req)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, types.NewChannelClosedException("channel is closed", nil)
	}
	c.pending[id] = status
	c.mutex.Unlock()

	if err := c.owner.sendOnChannel(c.id, req); err != nil {
		c.mutex.Lock()
		delete(c.pending, id)
		c.mutex.Unlock()
		return nil, err
	}
	return status, nil
}

// nextRequestID hands out a monotonically increasing channel-local id. On
// the (practically unreachable) wraparound past math.MaxInt64 it resumes
// at 1: a 64-bit counter incremented once per request would take longer
// than any connection's lifetime to wrap, so colliding with a still-
// pending request id is not a realistic concern.
func (c *Channel) nextRequestID() int64 {
	id := atomic.AddInt64(&c.requestCounter, 1)
	if id == math.MaxInt64 {
		atomic.StoreInt64(&c.requestCounter, 0)
	}
	return id
}

// dispatch routes one decoded, incoming message: a Response completes the
// matching pending RequestStatus; anything else (a Request this side must
// answer, or a push message such as MapEventMessage) goes to the
// receiver, or is dropped with a warning if this channel has none.
func (c *Channel) dispatch(msg types.Message) {
	if resp, ok := msg.(types.Response); ok {
		c.mutex.Lock()
		status, found := c.pending[resp.InReplyTo()]
		if found {
			delete(c.pending, resp.InReplyTo())
		}
		c.mutex.Unlock()
		if found {
			status.Complete(resp)
			return
		}
		c.log.Warnf("channel %d: response for unknown request %d discarded", c.id, resp.InReplyTo())
		return
	}

	if c.receiver != nil {
		c.receiver.OnMessage(c.id, msg)
		return
	}
	c.log.Warnf("channel %d: no receiver registered for message type %d", c.id, msg.TypeID())
}

// close fails every pending request with cause and marks the channel
// unusable for further Send/Request calls. cause is a
// ChannelClosedException for a channel closed on its own, or whatever the
// owning Connection passes down when the whole connection is failing.
func (c *Channel) close(cause error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*types.RequestStatus)
	c.mutex.Unlock()

	for _, status := range pending {
		status.CompleteExceptionally(cause)
	}
	c.entry.Close(-1)
}

// PendingCount reports how many requests await a response, for callers
// (and tests) asserting on correlation hygiene.
func (c *Channel) PendingCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

func (c *Channel) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}
