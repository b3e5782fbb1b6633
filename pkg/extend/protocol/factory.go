// Package protocol holds the message catalogue: the typed request/response
// inventory for the internal Peer protocol and the Named-Cache protocol, a
// MessageFactory registry that instantiates an empty message by (protocol,
// type id), and the per-protocol version negotiation rule.
package protocol

import (
	"fmt"
	"sync"

	"github.com/jabolina/go-extend/pkg/extend/types"
)

// Factory instantiates empty messages for one protocol by type id, and
// declares the version range this binary supports for that protocol.
type Factory interface {
	Protocol() string
	CurrentVersion() int32
	SupportedVersion() int32
	NewMessage(typeID int32) (types.Message, error)
}

// Registry maps protocol name to Factory. A Peer registers one at startup
// for every protocol it can speak; Connection.OpenChannel binds a specific Factory
// to the channel it negotiated.
type Registry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a Factory. Registering the same protocol name twice is a
// ValidationError; the "only before the peer starts" rule is enforced one
// level up by Peer.
func (r *Registry) Register(f Factory) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.factories[f.Protocol()]; exists {
		return types.NewValidationError(fmt.Sprintf("protocol %q already registered", f.Protocol()))
	}
	r.factories[f.Protocol()] = f
	return nil
}

func (r *Registry) Lookup(protocolName string) (Factory, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	f, ok := r.factories[protocolName]
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("unknown protocol %q", protocolName))
	}
	return f, nil
}

// NegotiateVersion picks the per-protocol version two sides will use: the
// maximum current version both understand, constrained to fall within
// both ends' [supported, current] window. It returns an error if no such
// version exists.
func NegotiateVersion(local, remote Factory) (int32, error) {
	chosen := local.CurrentVersion()
	if remote.CurrentVersion() < chosen {
		chosen = remote.CurrentVersion()
	}
	if chosen < local.SupportedVersion() || chosen < remote.SupportedVersion() {
		return 0, types.NewValidationError(fmt.Sprintf(
			"no compatible version for protocol %q: local=[%d,%d] remote=[%d,%d]",
			local.Protocol(), local.SupportedVersion(), local.CurrentVersion(),
			remote.SupportedVersion(), remote.CurrentVersion()))
	}
	return chosen, nil
}

// NegotiateVersionInts is NegotiateVersion for the handshake case where the
// remote side is known only by the (current, supported) pair it declared
// on the wire, not by a local Factory value — the shape OpenChannelRequest
// actually carries.
func NegotiateVersionInts(localCurrent, localSupported, remoteCurrent, remoteSupported int32) (int32, error) {
	chosen := localCurrent
	if remoteCurrent < chosen {
		chosen = remoteCurrent
	}
	if chosen < localSupported || chosen < remoteSupported {
		return 0, fmt.Errorf("no compatible version: local=[%d,%d] remote=[%d,%d]",
			localSupported, localCurrent, remoteSupported, remoteCurrent)
	}
	return chosen, nil
}

// mapFactory is the common Factory implementation shared by the built-in
// protocols: a plain map from type id to a constructor closure.
type mapFactory struct {
	protocol         string
	currentVersion   int32
	supportedVersion int32
	constructors     map[int32]func() types.Message
}

func newMapFactory(protocolName string, currentVersion, supportedVersion int32) *mapFactory {
	return &mapFactory{
		protocol:         protocolName,
		currentVersion:   currentVersion,
		supportedVersion: supportedVersion,
		constructors:     make(map[int32]func() types.Message),
	}
}

func (f *mapFactory) Protocol() string      { return f.protocol }
func (f *mapFactory) CurrentVersion() int32 { return f.currentVersion }
func (f *mapFactory) SupportedVersion() int32 {
	return f.supportedVersion
}

func (f *mapFactory) NewMessage(typeID int32) (types.Message, error) {
	ctor, ok := f.constructors[typeID]
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("protocol %q has no message with type id %d", f.protocol, typeID))
	}
	return ctor(), nil
}

func (f *mapFactory) register(typeID int32, ctor func() types.Message) {
	f.constructors[typeID] = ctor
}
