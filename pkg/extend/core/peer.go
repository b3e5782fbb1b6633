package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/go-extend/pkg/extend/definition"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// Service states. Transitions are linear: the Register* calls are legal
// only in StateInitial; Connect only in StateStarted.
const (
	StateInitial int32 = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

// serviceQueueDepth bounds the inbound work queue. Posting callers block
// once the service loop falls this far behind, which is the only
// backpressure internal control traffic has.
const serviceQueueDepth = 1024

// work pairs a control message with the connection it concerns; conn is
// nil for peer-wide messages such as NotifyStartup/NotifyShutdown.
type work struct {
	conn *Connection
	msg  types.Message
}

// Peer owns the single service goroutine multiplexing every connection
// this process holds to a grid proxy. All state that could race — channel
// registration, response completion, ping bookkeeping — is mutated either
// on that goroutine or behind a channel/connection entry gate.
//
// Outbound messages never pass through the service loop: Channel.Send and
// Channel.Request encode and write on the caller's goroutine, so
// transport backpressure is felt by callers. The loop owns the inbound
// path (decode, correlate, dispatch) and the timers (ping sweep).
type Peer struct {
	config     PeerConfiguration
	registry   *protocol.Registry
	receivers  map[string]types.Receiver
	peerFactory protocol.Factory

	serializer wire.Serializer
	codec      wire.Codec
	stats      *prometheus.Registry

	queue   chan work
	stopped chan struct{}
	started chan struct{}

	stateMutex sync.Mutex
	state      int32

	connMutex   sync.Mutex
	connections map[types.ConnectionID]*Connection

	invoker    *Invoker
	dispatcher *EventDispatcher
	log        types.Logger
}

// NewPeer builds a Peer in StateInitial from config, filling the external
// collaborators with the reference implementations when absent.
func NewPeer(config PeerConfiguration) *Peer {
	if config.Logger == nil {
		config.Logger = definition.NewDefaultLogger()
	}
	if config.Serializer == nil {
		config.Serializer = wire.GobSerializer{}
	}
	if config.Codec == nil {
		config.Codec = wire.StreamCodec{}
	}
	if config.StatsRegistry == nil {
		config.StatsRegistry = prometheus.NewRegistry()
	}
	return &Peer{
		config:      config,
		registry:    protocol.NewRegistry(),
		receivers:   make(map[string]types.Receiver),
		serializer:  config.Serializer,
		codec:       config.Codec,
		stats:       config.StatsRegistry,
		queue:       make(chan work, serviceQueueDepth),
		stopped:     make(chan struct{}),
		started:     make(chan struct{}),
		state:       StateInitial,
		connections: make(map[types.ConnectionID]*Connection),
		invoker:     NewInvoker(),
		dispatcher:  NewEventDispatcher(),
		log:         config.Logger,
	}
}

func (p *Peer) State() int32 {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.state
}

func (p *Peer) setState(s int32) {
	p.stateMutex.Lock()
	p.state = s
	p.stateMutex.Unlock()
}

// EventDispatcher exposes the ordered user-event queue so RemoteCache can
// defer non-synchronous listener invocations onto it.
func (p *Peer) EventDispatcher() *EventDispatcher {
	return p.dispatcher
}

func (p *Peer) Configuration() PeerConfiguration {
	return p.config
}

func (p *Peer) Logger() types.Logger {
	return p.log
}

// RegisterProtocol adds an application protocol Factory. Legal only in
// StateInitial.
func (p *Peer) RegisterProtocol(f protocol.Factory) error {
	if p.State() != StateInitial {
		return types.NewValidationError("protocols may only be registered before the peer is started")
	}
	return p.registry.Register(f)
}

// RegisterReceiver binds the receiver channels negotiated for its
// protocol will deliver non-response messages to. Legal only in
// StateInitial.
func (p *Peer) RegisterReceiver(r types.Receiver) error {
	if p.State() != StateInitial {
		return types.NewValidationError("receivers may only be registered before the peer is started")
	}
	if _, exists := p.receivers[r.Protocol()]; exists {
		return types.NewValidationError(fmt.Sprintf("receiver for protocol %q already registered", r.Protocol()))
	}
	p.receivers[r.Protocol()] = r
	return nil
}

// Start registers the built-in peer protocol, spawns the service loop and
// the event dispatcher, and blocks until the NotifyStartup it posts has
// been processed — at which point the peer is in StateStarted.
func (p *Peer) Start() error {
	p.stateMutex.Lock()
	if p.state != StateInitial {
		p.stateMutex.Unlock()
		return types.NewValidationError("peer already started")
	}
	p.state = StateStarting
	p.stateMutex.Unlock()

	p.peerFactory = protocol.NewPeerFactory()
	if err := p.registry.Register(p.peerFactory); err != nil {
		return err
	}

	p.dispatcher.Start(p.invoker)
	p.invoker.Spawn(p.serviceLoop)
	p.post(work{msg: protocol.NewNotifyStartup()})

	select {
	case <-p.started:
		return nil
	case <-p.stopped:
		return types.NewConnectionException("peer stopped before startup completed", nil)
	}
}

// Stop posts NotifyShutdown and waits for the service loop, the receive
// pumps, and the event dispatcher to exit. Safe to call more than once.
func (p *Peer) Stop() error {
	p.stateMutex.Lock()
	switch p.state {
	case StateInitial:
		p.state = StateStopped
		close(p.stopped)
		p.stateMutex.Unlock()
		return nil
	case StateStopping, StateStopped:
		p.stateMutex.Unlock()
		<-p.stopped
		return p.invoker.Stop()
	}
	p.state = StateStopping
	p.stateMutex.Unlock()

	p.post(work{msg: protocol.NewNotifyShutdown()})
	<-p.stopped
	return p.invoker.Stop()
}

// Connect registers transport as a live Connection: binds channel 0 with
// the control receiver, starts the receive pump, and begins pinging it on
// the configured cadence. Legal only in StateStarted.
func (p *Peer) Connect(transport wire.Transport) (*Connection, error) {
	if p.State() != StateStarted {
		return nil, types.NewValidationError("peer is not started")
	}

	conn := newConnection(connectionParams{
		Transport:   transport,
		Codec:       p.codec,
		Serializer:  p.serializer,
		Filters:     p.config.Filters,
		Manager:     p,
		Log:         p.log,
		MaxOutgoing: p.config.MaxOutgoingMessageSize,
		MaxIncoming: p.config.MaxIncomingMessageSize,
	})
	conn.stats = definition.NewConnectionStats(p.stats, conn.ID().String())
	conn.bindControlChannel(p.peerFactory, &controlReceiver{peer: p, conn: conn})
	conn.pingSent = time.Now()

	p.connMutex.Lock()
	p.connections[conn.ID()] = conn
	p.connMutex.Unlock()

	p.invoker.Spawn(func() error {
		p.receivePump(conn)
		return nil
	})
	return conn, nil
}

// CloseConnection routes a connection close through the service loop, the
// only goroutine allowed to run the teardown. Callers already on the
// service loop close inline via closeConnection instead.
func (p *Peer) CloseConnection(conn *Connection, cause error) {
	p.post(work{conn: conn, msg: protocol.NewCloseConnection(cause)})
}

// CloseChannel scopes the same routed teardown to one channel.
func (p *Peer) CloseChannel(conn *Connection, channelID int32, cause error) {
	p.post(work{conn: conn, msg: protocol.NewCloseChannel(channelID, cause)})
}

// post enqueues one unit of service-loop work. It blocks only when the
// loop is serviceQueueDepth messages behind, and drops silently once the
// loop has exited — by then every connection is already torn down.
func (p *Peer) post(w work) {
	select {
	case p.queue <- w:
	case <-p.stopped:
	}
}

// receivePump moves raw frames from one transport into the service queue.
// One pump goroutine exists per connection; a receive error posts a
// connection close carrying the cause and exits.
func (p *Peer) receivePump(conn *Connection) {
	for {
		frame, err := conn.transport.Receive()
		if err != nil {
			if !conn.IsClosed() {
				p.post(work{conn: conn, msg: protocol.NewCloseConnection(
					types.NewConnectionException("transport receive failed", err))})
			}
			return
		}
		p.post(work{conn: conn, msg: protocol.NewEncodedMessage(frame)})
	}
}

func (p *Peer) tickInterval() time.Duration {
	if p.config.PingInterval <= 0 {
		return 250 * time.Millisecond
	}
	tick := p.config.PingInterval / 4
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	return tick
}

// serviceLoop is the single service goroutine: it drains the work queue,
// decodes and dispatches inbound frames, and runs the ping sweep on every
// timer tick. It exits when NotifyShutdown is processed.
func (p *Peer) serviceLoop() error {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()
	defer close(p.stopped)

	for {
		select {
		case w := <-p.queue:
			if stop := p.process(w); stop {
				p.shutdown()
				return nil
			}
		case <-ticker.C:
			p.pingSweep(time.Now())
		}
	}
}

// process handles one queued unit; returns true when the loop must exit.
func (p *Peer) process(w work) bool {
	switch m := w.msg.(type) {
	case *protocol.EncodedMessage:
		p.onInboundFrame(w.conn, m.Frame)
	case *protocol.NotifyStartup:
		p.setState(StateStarted)
		close(p.started)
	case *protocol.NotifyShutdown:
		return true
	case *protocol.CloseConnection:
		p.closeConnection(w.conn, m.Cause)
	case *protocol.CloseChannel:
		p.closeChannel(w.conn, m.ChannelID, m.Cause)
	default:
		p.log.Warnf("service loop: unhandled control message type %d", w.msg.TypeID())
	}
	return false
}

// shutdown drains whatever arrived before NotifyShutdown best-effort,
// closes every connection, and stops the event dispatcher.
func (p *Peer) shutdown() {
	for {
		select {
		case w := <-p.queue:
			p.process(w)
			continue
		default:
		}
		break
	}

	p.connMutex.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.connMutex.Unlock()
	for _, conn := range conns {
		p.closeConnection(conn, nil)
	}

	p.dispatcher.Stop()
	p.setState(StateStopped)
}

// onInboundFrame enforces the incoming size cap, decodes, and dispatches
// one frame. Failure policy: oversize frames and decode failures on
// channel 0 close the connection; decode failures on any other channel
// close only that channel.
func (p *Peer) onInboundFrame(conn *Connection, frame []byte) {
	if conn.IsClosed() {
		return
	}
	if conn.maxIncoming > 0 && len(frame) > conn.maxIncoming {
		p.closeConnection(conn, types.NewConnectionException(
			fmt.Sprintf("incoming message of %d bytes exceeds the %d byte cap", len(frame), conn.maxIncoming), nil))
		return
	}

	channelID, msg, err := conn.decodeFrame(frame, p.peerFactory)
	if err != nil {
		if channelID == ControlChannelID {
			p.closeConnection(conn, types.NewConnectionException("failed decoding a control channel message", err))
		} else {
			p.log.Warnf("connection %s: decode failure on channel %d: %v", conn.ID(), channelID, err)
			p.closeChannel(conn, channelID, err)
		}
		return
	}
	conn.dispatch(channelID, msg)
}

// pingSweep runs the liveness algorithm once per tick: close any
// connection whose outstanding ping outlived the effective timeout, and
// ping every open connection whose interval has elapsed.
func (p *Peer) pingSweep(now time.Time) {
	if p.config.PingInterval <= 0 {
		return
	}
	timeout := p.config.EffectivePingTimeout()

	p.connMutex.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.connMutex.Unlock()

	for _, conn := range conns {
		if conn.IsClosed() {
			continue
		}
		if conn.pingStatus != nil {
			if conn.pingStatus.IsDone() {
				conn.pingStatus = nil
			} else if timeout > 0 && now.Sub(conn.pingSent) >= timeout {
				conn.pingStatus.Cancel()
				conn.pingStatus = nil
				p.closeConnection(conn, types.NewConnectionException(
					fmt.Sprintf("did not receive a response to a ping within %v", timeout), nil))
				continue
			}
		}
		if conn.pingStatus == nil && now.Sub(conn.pingSent) >= p.config.PingInterval {
			control, ok := conn.Channel(ControlChannelID)
			if !ok {
				continue
			}
			status, err := control.RequestAsync(protocol.NewPingRequest())
			if err != nil {
				p.closeConnection(conn, types.NewConnectionException("failed sending a ping", err))
				continue
			}
			conn.pingStatus = status
			conn.pingSent = now
		}
	}
}

// closeConnection is the service-loop-side teardown; Connection.Close is
// re-entrancy safe so a pump-posted close racing a user close is benign.
func (p *Peer) closeConnection(conn *Connection, cause error) {
	if conn == nil {
		return
	}
	conn.Close(cause == nil, 0, cause)
}

func (p *Peer) closeChannel(conn *Connection, channelID int32, cause error) {
	if conn == nil {
		return
	}
	ch, ok := conn.Channel(channelID)
	if !ok {
		return
	}
	conn.channelMutex.Lock()
	delete(conn.channels, channelID)
	conn.channelMutex.Unlock()
	if cause == nil {
		cause = types.NewChannelClosedException(fmt.Sprintf("channel %d closed", channelID), nil)
	}
	ch.close(cause)
}

// OnConnectionClosed implements ConnectionManager: forget the connection
// and surface the event to the configured observer.
func (p *Peer) OnConnectionClosed(conn *Connection, cause error) {
	p.forget(conn)
	if p.config.ConnectionClosed != nil {
		p.config.ConnectionClosed(conn, cause)
	}
}

// OnConnectionError implements ConnectionManager for error teardowns.
func (p *Peer) OnConnectionError(conn *Connection, cause error) {
	p.forget(conn)
	if p.config.ConnectionClosed != nil {
		p.config.ConnectionClosed(conn, cause)
	}
}

func (p *Peer) forget(conn *Connection) {
	p.connMutex.Lock()
	delete(p.connections, conn.ID())
	p.connMutex.Unlock()
}

// controlReceiver handles channel 0 traffic for one connection: answer
// pings, run the channel-open/accept handshakes, and honor the remote's
// close notification. It runs on the service loop and never blocks.
type controlReceiver struct {
	peer *Peer
	conn *Connection
}

func (r *controlReceiver) Protocol() string {
	return protocol.PeerProtocolName
}

func (r *controlReceiver) OnMessage(channelID int32, msg types.Message) {
	control, ok := r.conn.Channel(ControlChannelID)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case *protocol.PingRequest:
		resp := protocol.NewPingResponse()
		resp.SetInReplyTo(m.RequestID())
		r.reply(control, resp)

	case *protocol.OpenChannelRequest:
		_, resp, err := r.conn.onOpenChannelRequest(m, r.peer.registry, r.peer.receivers[m.ProtocolName], r.peer.config.IdentityAsserter)
		if err != nil {
			failed := protocol.NewOpenChannelResponse()
			failed.SetInReplyTo(m.RequestID())
			failed.Fail("ValidationError", err.Error())
			r.reply(control, failed)
			return
		}
		r.reply(control, resp)

	case *protocol.AcceptChannelRequest:
		resp, err := r.conn.onAcceptChannelRequest(m, r.peer.config.IdentityAsserter)
		if err != nil {
			failed := protocol.NewAcceptChannelResponse()
			failed.SetInReplyTo(m.RequestID())
			failed.Fail("ValidationError", err.Error())
			r.reply(control, failed)
			return
		}
		r.reply(control, resp)

	case *protocol.NotifyConnectionClosed:
		var cause error
		if m.Cause != "" {
			cause = types.NewConnectionException(m.Cause, nil)
		}
		r.conn.Close(false, 0, cause)

	default:
		r.peer.log.Warnf("connection %s: unhandled control message type %d", r.conn.ID(), msg.TypeID())
	}
}

// reply writes a control response without blocking the service loop on
// anything but the transport itself.
func (r *controlReceiver) reply(control *Channel, resp types.Response) {
	if err := control.Send(resp); err != nil {
		r.peer.log.Warnf("connection %s: failed sending control response: %v", r.conn.ID(), err)
	}
}
