package proxy

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tio/tio"
	"github.com/puzpuzpuz/xsync/v3"
)

// ClientID identifies an attached client for the lifetime of the proxy process.
type ClientID uint64

// InternalClientID is the client id of requests issued by the proxy itself.
const InternalClientID ClientID = 0

// Sink receives the packets routed to a client.
//
// DeliverData may drop packets under the client's overflow policy. DeliverControl must always
// accept the packet; it carries RPC responses and proxy control replies.
// Both are called without registry locks held and must not block.
type Sink interface {
	DeliverData(pkt tio.Packet)
	DeliverControl(pkt tio.Packet)
}

// Subscription selects the device packets delivered to a client: packets whose route lies in the
// subtree of Scope and whose type category is set in Filter.
type Subscription struct {
	ClientID ClientID
	Scope    tio.Route
	Filter   tio.TypeFilter
}

type clientEntry struct {
	sink Sink

	mu   sync.RWMutex
	subs map[tio.Route]tio.TypeFilter
}

func (e *clientEntry) matches(pkt tio.Packet) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for scope, filter := range e.subs {
		if filter.Match(pkt.Type) && pkt.Route.HasPrefix(scope) {
			return true
		}
	}

	return false
}

// Registry is the single owner of the client map, the subscription set and the index of pending
// RPC requests. All methods are safe for concurrent use; no lock is held while a Sink is called.
type Registry struct {
	nextID  atomic.Uint64
	clients *xsync.MapOf[ClientID, *clientEntry]
	pending *xsync.MapOf[uint16, *PendingRequest]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: xsync.NewMapOf[ClientID, *clientEntry](),
		pending: xsync.NewMapOf[uint16, *PendingRequest](),
	}
}

// Register adds a client and returns its unique id. The client starts without subscriptions.
func (r *Registry) Register(sink Sink) ClientID {
	id := ClientID(r.nextID.Add(1))
	r.clients.Store(id, &clientEntry{sink: sink, subs: make(map[tio.Route]tio.TypeFilter)})

	return id
}

// Unregister removes a client and its subscriptions. It returns false for unknown clients.
//
// Pending requests of the client are taken out by Correlator.CancelClient.
func (r *Registry) Unregister(id ClientID) bool {
	entry, ok := r.clients.LoadAndDelete(id)
	if !ok {
		return false
	}

	entry.mu.Lock()
	clear(entry.subs)
	entry.mu.Unlock()

	return true
}

// Registered reports whether the client is attached. The internal client is always registered.
func (r *Registry) Registered(id ClientID) bool {
	if id == InternalClientID {
		return true
	}
	_, ok := r.clients.Load(id)

	return ok
}

// Sink returns the sink of a client.
func (r *Registry) Sink(id ClientID) (Sink, bool) {
	entry, ok := r.clients.Load(id)
	if !ok {
		return nil, false
	}

	return entry.sink, true
}

// Clients returns the ids of all attached clients in ascending order.
func (r *Registry) Clients() []ClientID {
	ids := make([]ClientID, 0, r.clients.Size())
	r.clients.Range(func(id ClientID, _ *clientEntry) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	return ids
}

// Subscribe adds the filter bits to the client's subscription of scope.
func (r *Registry) Subscribe(id ClientID, scope tio.Route, filter tio.TypeFilter) error {
	entry, ok := r.clients.Load(id)
	if !ok {
		return ErrUnknownClient
	}
	if filter == tio.FilterNone {
		return nil
	}

	entry.mu.Lock()
	entry.subs[scope] |= filter
	entry.mu.Unlock()

	return nil
}

// Unsubscribe removes the filter bits from the client's subscription of scope.
func (r *Registry) Unsubscribe(id ClientID, scope tio.Route, filter tio.TypeFilter) error {
	entry, ok := r.clients.Load(id)
	if !ok {
		return ErrUnknownClient
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if remain := entry.subs[scope] &^ filter; remain != tio.FilterNone {
		entry.subs[scope] = remain
	} else {
		delete(entry.subs, scope)
	}

	return nil
}

// ClearSubscriptions removes every subscription of the client.
func (r *Registry) ClearSubscriptions(id ClientID) error {
	entry, ok := r.clients.Load(id)
	if !ok {
		return ErrUnknownClient
	}

	entry.mu.Lock()
	clear(entry.subs)
	entry.mu.Unlock()

	return nil
}

// Subscriptions returns the subscriptions of a client ordered by scope.
func (r *Registry) Subscriptions(id ClientID) []Subscription {
	entry, ok := r.clients.Load(id)
	if !ok {
		return nil
	}

	entry.mu.RLock()
	subs := make([]Subscription, 0, len(entry.subs))
	for scope, filter := range entry.subs {
		subs = append(subs, Subscription{ClientID: id, Scope: scope, Filter: filter})
	}
	entry.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Subscription) int {
		return strings.Compare(a.Scope.String(), b.Scope.String())
	})

	return subs
}

// Match returns the sinks of all clients subscribed to the packet, as of the time of the call.
func (r *Registry) Match(pkt tio.Packet) []Sink {
	var sinks []Sink
	r.clients.Range(func(_ ClientID, entry *clientEntry) bool {
		if entry.matches(pkt) {
			sinks = append(sinks, entry.sink)
		}

		return true
	})

	return sinks
}

// --- pending request index ---

// addPending indexes p by its wire token. It returns false when the token is taken.
func (r *Registry) addPending(p *PendingRequest) bool {
	_, loaded := r.pending.LoadOrStore(p.Token, p)
	return !loaded
}

func (r *Registry) loadPending(token uint16) (*PendingRequest, bool) {
	return r.pending.Load(token)
}

// takePending removes p from the index. Exactly one caller succeeds for each indexed request.
func (r *Registry) takePending(p *PendingRequest) bool {
	taken := false
	r.pending.Compute(p.Token, func(cur *PendingRequest, loaded bool) (*PendingRequest, bool) {
		if !loaded {
			return nil, true
		}
		if cur != p {
			// the token was freed and reused by another request
			return cur, false
		}
		taken = true

		return nil, true
	})

	return taken
}

// pendingOf returns the pending requests issued by a client.
func (r *Registry) pendingOf(id ClientID) []*PendingRequest {
	var reqs []*PendingRequest
	r.pending.Range(func(_ uint16, p *PendingRequest) bool {
		if p.ClientID == id {
			reqs = append(reqs, p)
		}

		return true
	})

	return reqs
}

func (r *Registry) allPending() []*PendingRequest {
	reqs := make([]*PendingRequest, 0, r.pending.Size())
	r.pending.Range(func(_ uint16, p *PendingRequest) bool {
		reqs = append(reqs, p)
		return true
	})

	return reqs
}

// PendingCount returns the number of RPC requests in flight.
func (r *Registry) PendingCount() int {
	return r.pending.Size()
}
