package cache

import (
	"github.com/jabolina/go-extend/pkg/extend/keyassoc"
	"github.com/jabolina/go-extend/pkg/extend/protocol"
	"github.com/jabolina/go-extend/pkg/extend/types"
)

// AddKeyListener registers listener for events on key. The first
// registration for a key, an upgrade from all-lite to full, or any
// priming listener triggers a wire request; further registrations are
// registry-only. A failed wire request rolls the registry back.
func (c *RemoteCache) AddKeyListener(listener MapListener, key interface{}, lite bool) error {
	if err := c.available(); err != nil {
		return err
	}
	if trigger, ok := listener.(*TriggerListener); ok {
		return c.registerTrigger(trigger, true)
	}

	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return err
	}
	undecorated := keyassoc.Undecorate(binKey)
	_, isPriming := listener.(PrimingListener)
	_, isSync := listener.(SynchronousListener)

	wasEmpty, wasLite := c.support.addKeyListener(undecorated, listener, lite)
	if !wasEmpty && !(wasLite && !lite) && !isPriming {
		return nil
	}

	req := protocol.NewListenerKeyRequest()
	req.CacheName = c.name
	req.Key = binKey
	req.Add = true
	req.Lite = lite
	req.Sync = isSync
	req.Priming = isPriming
	if _, err := c.request(req); err != nil {
		c.support.rollbackKey(undecorated, listener)
		return err
	}
	return nil
}

// RemoveKeyListener deregisters listener; the wire request goes out only
// when the key's last listener leaves.
func (c *RemoteCache) RemoveKeyListener(listener MapListener, key interface{}) error {
	if trigger, ok := listener.(*TriggerListener); ok {
		return c.registerTrigger(trigger, false)
	}

	binKey, err := c.toBinaryKey(key)
	if err != nil {
		return err
	}
	undecorated := keyassoc.Undecorate(binKey)
	nowEmpty, found := c.support.removeKeyListener(undecorated, listener)
	if !found || !nowEmpty {
		return nil
	}

	_, isPriming := listener.(PrimingListener)
	req := protocol.NewListenerKeyRequest()
	req.CacheName = c.name
	req.Key = binKey
	req.Add = false
	req.Priming = isPriming
	_, err = c.request(req)
	return err
}

// AddFilterListener registers listener for every event matching filter.
// The filter id allocated on first registration identifies the filter in
// pushed events. A priming listener is only supported when filter is an
// InKeySetFilter, which expands into per-key registrations carried by a
// single wire request.
func (c *RemoteCache) AddFilterListener(listener MapListener, filter interface{}, lite bool) error {
	if err := c.available(); err != nil {
		return err
	}
	if trigger, ok := listener.(*TriggerListener); ok {
		return c.registerTrigger(trigger, true)
	}

	_, isPriming := listener.(PrimingListener)
	_, isSync := listener.(SynchronousListener)

	if isPriming {
		keySet, ok := filter.(*InKeySetFilter)
		if !ok {
			return types.NewValidationError("a priming listener requires a key-set filter")
		}
		return c.addPrimingKeySet(listener, keySet, lite, isSync)
	}

	binFilter, err := c.toBinary(filter)
	if err != nil {
		return err
	}
	entry, wasEmpty, wasLite := c.support.addFilterListener(filter, binFilter, listener, lite)
	if !wasEmpty && !(wasLite && !lite) {
		return nil
	}

	req := protocol.NewListenerFilterRequest()
	req.CacheName = c.name
	req.FilterID = entry.id
	req.Filter = binFilter
	req.Add = true
	req.Lite = lite
	req.Sync = isSync
	if _, err := c.request(req); err != nil {
		c.support.rollbackFilter(binFilter, listener)
		return err
	}
	return nil
}

// addPrimingKeySet performs the priming expansion: every key in the set
// lands in the key registry individually, while the proxy learns about
// all of them through one batched request.
func (c *RemoteCache) addPrimingKeySet(listener MapListener, keySet *InKeySetFilter, lite, isSync bool) error {
	binKeys := make([][]byte, 0, len(keySet.Keys))
	undecorated := make([][]byte, 0, len(keySet.Keys))
	for _, key := range keySet.Keys {
		binKey, err := c.toBinaryKey(key)
		if err != nil {
			return err
		}
		binKeys = append(binKeys, binKey)
		undecorated = append(undecorated, keyassoc.Undecorate(binKey))
	}
	for _, u := range undecorated {
		c.support.addKeyListener(u, listener, lite)
	}

	req := protocol.NewListenerKeyRequest()
	req.CacheName = c.name
	req.Keys = binKeys
	req.Add = true
	req.Lite = lite
	req.Sync = isSync
	req.Priming = true
	if _, err := c.request(req); err != nil {
		for _, u := range undecorated {
			c.support.rollbackKey(u, listener)
		}
		return err
	}
	return nil
}

// RemoveFilterListener deregisters listener; when the filter's group
// empties, the deregistration is pushed and the filter id freed.
func (c *RemoteCache) RemoveFilterListener(listener MapListener, filter interface{}) error {
	if trigger, ok := listener.(*TriggerListener); ok {
		return c.registerTrigger(trigger, false)
	}

	if keySet, ok := filter.(*InKeySetFilter); ok {
		if _, isPriming := listener.(PrimingListener); isPriming {
			for _, key := range keySet.Keys {
				if err := c.RemoveKeyListener(listener, key); err != nil {
					return err
				}
			}
			return nil
		}
	}

	binFilter, err := c.toBinary(filter)
	if err != nil {
		return err
	}
	entry, nowEmpty, found := c.support.removeFilterListener(binFilter, listener)
	if !found || !nowEmpty {
		return nil
	}

	req := protocol.NewListenerFilterRequest()
	req.CacheName = c.name
	req.FilterID = entry.id
	req.Filter = binFilter
	req.Add = false
	_, err = c.request(req)
	return err
}

// registerTrigger maps a trigger listener straight to a filter request
// carrying the trigger payload; nothing changes in the delivery registry.
func (c *RemoteCache) registerTrigger(trigger *TriggerListener, add bool) error {
	binTrigger, err := c.toBinary(trigger.Trigger)
	if err != nil {
		return err
	}
	req := protocol.NewListenerFilterRequest()
	req.CacheName = c.name
	req.Trigger = binTrigger
	req.Add = add
	_, err = c.request(req)
	return err
}

// --- inbound push path ------------------------------------------------

// Protocol implements types.Receiver for the cache's channel.
func (c *RemoteCache) Protocol() string {
	return protocol.NamedCacheProtocolName
}

// OnMessage implements types.Receiver: it runs on the peer's service
// loop, so everything here must stay non-blocking. Deferred listener
// deliveries ride the event dispatcher instead.
func (c *RemoteCache) OnMessage(channelID int32, msg types.Message) {
	switch m := msg.(type) {
	case *protocol.MapEventMessage:
		c.fanOut(m)
	case *protocol.NoStorageMembers:
		c.log.Warnf("cache %q: no storage-enabled members remain", c.name)
		c.markNoStorage()
	default:
		c.log.Warnf("cache %q: unexpected push message type %d", c.name, msg.TypeID())
	}
}

// delivery pairs one resolved listener with the shape of event it gets.
type delivery struct {
	listener MapListener
	lite     bool
	filters  []interface{}
}

// fanOut resolves one pushed MapEventMessage against the key and filter
// registries and delivers to every match. Events whose values were
// already transformed skip key listeners. When nothing resolves the
// registration is deliberately left alone: concurrent registrations make
// removing an apparent orphan unsafe, and a leaked listener beats a
// dropped one.
func (c *RemoteCache) fanOut(m *protocol.MapEventMessage) {
	undecorated := keyassoc.Undecorate(m.Key)

	var deliveries []delivery
	if m.TransformState != protocol.TransformTransformed {
		for l, lite := range c.support.keyListeners(undecorated) {
			deliveries = append(deliveries, delivery{listener: l, lite: lite})
		}
	}

	var matched []interface{}
	type filterSink struct {
		listener MapListener
		lite     bool
	}
	var filterSinks []filterSink
	for _, id := range m.FilterIDs {
		entry, ok := c.support.filterByID(id)
		if !ok {
			continue
		}
		matched = append(matched, entry.filter)
		for l, lite := range c.support.filterListeners(entry) {
			filterSinks = append(filterSinks, filterSink{listener: l, lite: lite})
		}
	}
	for _, s := range filterSinks {
		deliveries = append(deliveries, delivery{listener: s.listener, lite: s.lite, filters: matched})
	}

	if len(deliveries) == 0 {
		c.log.Debugf("cache %q: event for key with no resolved listeners", c.name)
		return
	}

	key, err := c.fromBinary(undecorated)
	if err != nil {
		c.log.Errorf("cache %q: failed deserializing event key: %v", c.name, err)
		return
	}
	full := &MapEvent{
		Cache:     c.name,
		ID:        m.EventID,
		Key:       key,
		Synthetic: m.Synthetic,
		Priming:   m.Priming,
	}
	if full.OldValue, err = c.fromBinary(m.OldValue); err != nil {
		c.log.Errorf("cache %q: failed deserializing event old value: %v", c.name, err)
		return
	}
	if full.NewValue, err = c.fromBinary(m.NewValue); err != nil {
		c.log.Errorf("cache %q: failed deserializing event new value: %v", c.name, err)
		return
	}

	var deferred []func()
	for _, d := range deliveries {
		event := *full
		if d.lite {
			event.OldValue = nil
			event.NewValue = nil
		}
		event.Filters = d.filters
		l := d.listener
		e := &event
		if _, sync := l.(SynchronousListener); sync {
			l.OnMapEvent(e)
			continue
		}
		deferred = append(deferred, func() { l.OnMapEvent(e) })
	}
	if len(deferred) > 0 {
		// One post per inbound event keeps deliveries from one event
		// contiguous in the dispatch order.
		c.dispatcher.Post(func() {
			for _, f := range deferred {
				f()
			}
		})
	}
}

func (c *RemoteCache) markNoStorage() {
	c.setNoStorage(1)
}

// ClearNoStorage re-enables the cache after storage members return.
func (c *RemoteCache) ClearNoStorage() {
	c.setNoStorage(0)
}
