package cache

import (
	"sync"
)

// MapEvent is what listeners observe: one insert/update/delete on the
// remote cache, with the values the registration's lite flag entitles the
// listener to.
type MapEvent struct {
	Cache     string
	ID        int32
	Key       interface{}
	OldValue  interface{}
	NewValue  interface{}
	Synthetic bool
	Priming   bool
	// Filters carries the registered filter objects this event matched;
	// empty for key-registered deliveries.
	Filters []interface{}
}

// MapListener observes cache events. Implementations are invoked on the
// event dispatcher's worker unless they also implement
// SynchronousListener.
type MapListener interface {
	OnMapEvent(event *MapEvent)
}

// SynchronousListener marks a listener that must run inline on the
// service loop rather than be deferred; such listeners must not block.
type SynchronousListener interface {
	MapListener
	SynchronousEventsWanted()
}

// PrimingListener is a synchronous listener that additionally wants one
// synthetic event carrying the entry's current state at registration.
type PrimingListener interface {
	SynchronousListener
	PrimingEventsWanted()
}

// TriggerListener registers a server-side map trigger instead of a
// client-side delivery path; adding one changes no event-delivery state
// on this client.
type TriggerListener struct {
	Trigger interface{}
}

func (t *TriggerListener) OnMapEvent(*MapEvent) {}

// listenerGroup is the set registered against one key or one filter; the
// bool records each listener's lite bit.
type listenerGroup struct {
	listeners map[MapListener]bool
}

func newListenerGroup() *listenerGroup {
	return &listenerGroup{listeners: make(map[MapListener]bool)}
}

func (g *listenerGroup) isEmpty() bool {
	return len(g.listeners) == 0
}

// allLite reports whether every registered listener asked for lite
// events; an upgrade from all-lite to any-full must be pushed to the
// proxy so values start flowing.
func (g *listenerGroup) allLite() bool {
	for _, lite := range g.listeners {
		if !lite {
			return false
		}
	}
	return true
}

// filterEntry pins the per-cache filter id allocated the first time a
// filter registers, reused by later registrations of an equal filter and
// freed when its group empties.
type filterEntry struct {
	id     int64
	filter interface{}
	binary []byte
	group  *listenerGroup
}

// ListenerSupport is the keyed/filtered listener registry behind one
// RemoteCache. All mutation happens under its mutex; the service loop
// reads through the same mutex since registration runs on client
// goroutines.
type ListenerSupport struct {
	mutex        sync.Mutex
	byKey        map[string]*listenerGroup
	byFilter     map[int64]*filterEntry
	filterLookup map[string]*filterEntry
	nextFilterID int64
}

func NewListenerSupport() *ListenerSupport {
	return &ListenerSupport{
		byKey:        make(map[string]*listenerGroup),
		byFilter:     make(map[int64]*filterEntry),
		filterLookup: make(map[string]*filterEntry),
	}
}

// addKeyListener inserts listener for the undecorated binary key and
// reports the pre-insert state the caller needs to decide whether a wire
// request is due: wasEmpty (no listeners at all) and wasLite (only lite
// listeners).
func (s *ListenerSupport) addKeyListener(key []byte, listener MapListener, lite bool) (wasEmpty, wasLite bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	group, ok := s.byKey[string(key)]
	if !ok {
		group = newListenerGroup()
		s.byKey[string(key)] = group
	}
	wasEmpty = group.isEmpty()
	wasLite = !wasEmpty && group.allLite()
	group.listeners[listener] = lite
	return wasEmpty, wasLite
}

// removeKeyListener removes listener and reports whether the key's group
// is now empty, which obliges the caller to send the deregistration.
func (s *ListenerSupport) removeKeyListener(key []byte, listener MapListener) (nowEmpty bool, found bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	group, ok := s.byKey[string(key)]
	if !ok {
		return false, false
	}
	if _, found = group.listeners[listener]; !found {
		return false, false
	}
	delete(group.listeners, listener)
	if group.isEmpty() {
		delete(s.byKey, string(key))
		return true, true
	}
	return false, true
}

// keyListeners snapshots the delivery set for one undecorated binary key.
func (s *ListenerSupport) keyListeners(key []byte) map[MapListener]bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	group, ok := s.byKey[string(key)]
	if !ok {
		return nil
	}
	out := make(map[MapListener]bool, len(group.listeners))
	for l, lite := range group.listeners {
		out[l] = lite
	}
	return out
}

// hasKey reports whether any listener is registered for key; tests assert
// on this for the add/remove symmetry property.
func (s *ListenerSupport) hasKey(key []byte) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.byKey[string(key)]
	return ok
}

// addFilterListener inserts listener under the filter identified by its
// serialized form, allocating a fresh filter id on first registration.
func (s *ListenerSupport) addFilterListener(filter interface{}, binary []byte, listener MapListener, lite bool) (entry *filterEntry, wasEmpty, wasLite bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.filterLookup[string(binary)]
	if !ok {
		s.nextFilterID++
		entry = &filterEntry{
			id:     s.nextFilterID,
			filter: filter,
			binary: binary,
			group:  newListenerGroup(),
		}
		s.filterLookup[string(binary)] = entry
		s.byFilter[entry.id] = entry
	}
	wasEmpty = entry.group.isEmpty()
	wasLite = !wasEmpty && entry.group.allLite()
	entry.group.listeners[listener] = lite
	return entry, wasEmpty, wasLite
}

// removeFilterListener removes listener; when the group empties the
// filter id is freed for good, so a later re-registration allocates a new
// one.
func (s *ListenerSupport) removeFilterListener(binary []byte, listener MapListener) (entry *filterEntry, nowEmpty, found bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.filterLookup[string(binary)]
	if !ok {
		return nil, false, false
	}
	if _, found = entry.group.listeners[listener]; !found {
		return nil, false, false
	}
	delete(entry.group.listeners, listener)
	if entry.group.isEmpty() {
		delete(s.filterLookup, string(binary))
		delete(s.byFilter, entry.id)
		return entry, true, true
	}
	return entry, false, true
}

// filterByID resolves one of an event's matched filter ids; ids that fail
// to resolve belong to registrations already torn down and are skipped.
func (s *ListenerSupport) filterByID(id int64) (*filterEntry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.byFilter[id]
	return entry, ok
}

// filterListeners snapshots the delivery set for one filter entry.
func (s *ListenerSupport) filterListeners(entry *filterEntry) map[MapListener]bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make(map[MapListener]bool, len(entry.group.listeners))
	for l, lite := range entry.group.listeners {
		out[l] = lite
	}
	return out
}

// rollbackKey undoes a registration whose wire request failed.
func (s *ListenerSupport) rollbackKey(key []byte, listener MapListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if group, ok := s.byKey[string(key)]; ok {
		delete(group.listeners, listener)
		if group.isEmpty() {
			delete(s.byKey, string(key))
		}
	}
}

// rollbackFilter undoes a filter registration whose wire request failed.
func (s *ListenerSupport) rollbackFilter(binary []byte, listener MapListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.filterLookup[string(binary)]
	if !ok {
		return
	}
	delete(entry.group.listeners, listener)
	if entry.group.isEmpty() {
		delete(s.filterLookup, string(binary))
		delete(s.byFilter, entry.id)
	}
}
