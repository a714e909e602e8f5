// Package router maintains the broker's model → connector routing table,
// rebuilt atomically whenever connector membership changes.
package router

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Route names the connector (and, for legacy static-token mode, the
// upstream API key to inject) that should serve a given model.
type Route struct {
	ConnectorID    string
	UpstreamAPIKey string
}

// connectorEntry is what the router remembers about a registered
// connector between rebuilds.
type connectorEntry struct {
	connectorID    string
	models         []string
	upstreamAPIKey string
	seq            uint64 // insertion order, for first-registered-wins
}

// table is the immutable snapshot readers see. A new one is built and
// swapped in on every membership change so GetRoute never observes a
// partially populated map (spec.md §4.3 concurrency contract).
type table struct {
	routes map[string]Route
}

// Router routes model names to the connector that should serve them.
// First-registered-wins: when two connectors advertise the same model,
// the earlier-registered one serves it until it disconnects, at which
// point a rebuild lets the next-earliest take over.
type Router struct {
	current atomic.Pointer[table]

	// mu guards connectors and nextSeq, the mutable membership state
	// used to build each table. GetRoute and ListModels never take mu:
	// they only read the already-published table pointer.
	mu         sync.Mutex
	connectors map[string]*connectorEntry
	nextSeq    uint64
}

// New creates an empty Router.
func New() *Router {
	r := &Router{connectors: make(map[string]*connectorEntry)}
	r.current.Store(&table{routes: make(map[string]Route)})
	return r
}

// OnRegistered replaces (or creates) the connector's route entry and
// rebuilds the routing table.
func (r *Router) OnRegistered(connectorID string, models []string, upstreamAPIKey string) {
	r.mu.Lock()
	entry, existing := r.connectors[connectorID]
	if !existing {
		r.nextSeq++
		entry = &connectorEntry{connectorID: connectorID, seq: r.nextSeq}
		r.connectors[connectorID] = entry
	}
	entry.models = append([]string(nil), models...)
	entry.upstreamAPIKey = upstreamAPIKey
	r.rebuildLocked()
	r.mu.Unlock()
	slog.Info("router: connector registered", "connector_id", connectorID, "models", models)
}

// OnDisconnected removes the connector's entry and rebuilds the table.
func (r *Router) OnDisconnected(connectorID string) {
	r.mu.Lock()
	if _, ok := r.connectors[connectorID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connectors, connectorID)
	r.rebuildLocked()
	r.mu.Unlock()
	slog.Info("router: connector disconnected", "connector_id", connectorID)
}

// rebuildLocked constructs a fresh routing table from r.connectors,
// iterating in insertion order so that "first-registered wins" for
// models advertised by more than one connector, then publishes it
// atomically. Callers must hold r.mu.
func (r *Router) rebuildLocked() {
	ordered := make([]*connectorEntry, 0, len(r.connectors))
	for _, e := range r.connectors {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	routes := make(map[string]Route, len(ordered))
	for _, e := range ordered {
		for _, model := range e.models {
			if _, taken := routes[model]; taken {
				continue
			}
			routes[model] = Route{ConnectorID: e.connectorID, UpstreamAPIKey: e.upstreamAPIKey}
		}
	}
	r.current.Store(&table{routes: routes})
}

// GetRoute returns the route for model, or (Route{}, false) if no
// connector currently serves it. Two back-to-back calls with no
// intervening membership change always return the same result, since
// both read the same published table.
func (r *Router) GetRoute(model string) (Route, bool) {
	t := r.current.Load()
	route, ok := t.routes[model]
	return route, ok
}

// ListModels returns every currently routed model name.
func (r *Router) ListModels() []string {
	t := r.current.Load()
	out := make([]string, 0, len(t.routes))
	for model := range t.routes {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// ConnectorModels is a (connector_id, models) pair for ListConnectors.
type ConnectorModels struct {
	ConnectorID string
	Models      []string
}

// ListConnectors returns every registered connector and the models it
// advertises, ordered by registration time.
func (r *Router) ListConnectors() []ConnectorModels {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*connectorEntry, 0, len(r.connectors))
	for _, e := range r.connectors {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]ConnectorModels, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, ConnectorModels{ConnectorID: e.connectorID, Models: append([]string(nil), e.models...)})
	}
	return out
}
