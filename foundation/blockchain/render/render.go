// Package render lets callers subscribe to the render/unrender
// notifications spec §3 calls the "Renderer sink": an external observer
// told about every action that enters or leaves the canonical chain, in
// addition to the action's own Render/Unrender methods that the engine
// always invokes directly. Modeled on the teacher's state.EventHandler —
// a plain callback slot rather than an interface with many methods.
package render

import (
	"github.com/chainforge/corechain/foundation/blockchain/action"
)

// Sink receives every render/unrender notification the engine fires.
// Rendered is called in canonical order as actions enter the chain;
// Unrendered is called in reverse canonical order as they leave it.
type Sink struct {
	Rendered   func(a action.Action, ctx action.Context, output *action.AccountStateDelta)
	Unrendered func(a action.Action, ctx action.Context, output *action.AccountStateDelta)
}

// Registry fans a single notification out to every subscribed Sink. The
// engine holds one Registry and calls Render/Unrender on it once per
// evaluated action; it never needs to know how many subscribers exist.
type Registry struct {
	sinks []Sink
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe adds sink to the fan-out set and returns a function that
// removes it.
func (r *Registry) Subscribe(sink Sink) func() {
	r.sinks = append(r.sinks, sink)
	idx := len(r.sinks) - 1
	return func() {
		if idx < len(r.sinks) {
			r.sinks[idx] = Sink{}
		}
	}
}

// Render notifies every subscriber, and the action itself, that it has
// entered the canonical chain.
func (r *Registry) Render(a action.Action, ctx action.Context, output *action.AccountStateDelta) {
	a.Render(ctx, output)
	for _, s := range r.sinks {
		if s.Rendered != nil {
			s.Rendered(a, ctx, output)
		}
	}
}

// Unrender notifies every subscriber, and the action itself, that it has
// left the canonical chain.
func (r *Registry) Unrender(a action.Action, ctx action.Context, output *action.AccountStateDelta) {
	a.Unrender(ctx, output)
	for _, s := range r.sinks {
		if s.Unrendered != nil {
			s.Unrendered(a, ctx, output)
		}
	}
}
