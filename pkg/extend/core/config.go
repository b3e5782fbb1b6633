package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/go-extend/pkg/extend/types"
	"github.com/jabolina/go-extend/pkg/extend/wire"
)

// PeerConfiguration is the plain-struct configuration tree a Peer is
// built from. Loading it from XML/YAML/etc. is left to the caller.
type PeerConfiguration struct {
	// PingInterval is how long the service loop waits since the last
	// outbound ping before it sends the next unsolicited PingRequest.
	// Zero disables pinging.
	PingInterval time.Duration

	// PingTimeout bounds how long the service loop waits for the
	// PingResponse once a ping was sent. The effective timeout applied
	// is min(PingInterval, PingTimeout): a ping can never be allowed to
	// outlive the interval that triggers the next one.
	PingTimeout time.Duration

	// RequestTimeout is the default used by Channel.Request callers that
	// don't specify one explicitly.
	RequestTimeout time.Duration

	// MaxIncomingMessageSize caps a single received frame's length;
	// zero means unbounded. A frame over the cap closes its connection.
	MaxIncomingMessageSize int

	// MaxOutgoingMessageSize caps a single encoded frame's length; zero
	// means unbounded. An oversized send fails that operation only.
	MaxOutgoingMessageSize int

	// Filters is the ordered stream filter chain (for example
	// compression) applied to every frame this peer sends and receives.
	Filters wire.FilterChain

	// Serializer and Codec are the external collaborators converting
	// messages to bytes; when nil the in-package reference pair
	// (wire.GobSerializer / wire.StreamCodec) is used.
	Serializer wire.Serializer
	Codec      wire.Codec

	// Logger defaults to the logrus-backed definition.DefaultLogger.
	Logger types.Logger

	// StatsRegistry receives the per-connection Prometheus collectors;
	// when nil a private registry is created so collection still works
	// without the caller exporting anything.
	StatsRegistry *prometheus.Registry

	// IdentityAsserter validates the opaque identity token carried by
	// channel-open requests on the accepting side and produces the
	// subject bound to the new channel. Nil accepts every token with a
	// nil subject.
	IdentityAsserter func(token []byte) (interface{}, error)

	// ConnectionClosed, when set, observes every connection teardown this
	// peer performs; cause is nil for an orderly close.
	ConnectionClosed func(conn *Connection, cause error)
}

// DefaultPeerConfiguration carries the out-of-the-box TCP initiator
// defaults.
func DefaultPeerConfiguration() PeerConfiguration {
	return PeerConfiguration{
		PingInterval:   30 * time.Second,
		PingTimeout:    15 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// EffectivePingTimeout is the effective_ping_timeout =
// min(ping_interval, ping_timeout) clamp: a ping must always resolve
// before the next one is due.
func (c PeerConfiguration) EffectivePingTimeout() time.Duration {
	if c.PingInterval > 0 && c.PingTimeout > c.PingInterval {
		return c.PingInterval
	}
	return c.PingTimeout
}
