// Package api describes the procedures and events a logical API exposes.
//
// An Api is declared explicitly at startup through a Builder and is immutable
// once built. There is no reflection: a procedure is remotely callable from
// this process exactly when it was registered with a handler.
package api

import "context"

// Handler executes a procedure locally. The payload is the request body as
// produced by the caller; the returned bytes become the response payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Procedure is a single remotely callable operation on an Api.
// A nil Handler marks a procedure this process only calls, never serves.
type Procedure struct {
	Name    string
	Handler Handler
}

// Event is a named broadcast an Api declares it may fire.
type Event struct {
	Name string
}

// Api is a logical group of procedures and events sharing a name prefix.
// Immutable after Build.
type Api struct {
	name       string
	procedures map[string]*Procedure
	events     map[string]*Event
}

// Name returns the logical API name, e.g. "example".
func (a *Api) Name() string { return a.name }

// Procedures returns the declared procedures. Callers must not mutate
// the returned map.
func (a *Api) Procedures() map[string]*Procedure { return a.procedures }

// Events returns the declared events. Callers must not mutate the
// returned map.
func (a *Api) Events() map[string]*Event { return a.events }

// Builder assembles an Api from declared procedures and events.
type Builder struct {
	api *Api
}

func NewBuilder(name string) *Builder {
	return &Builder{api: &Api{
		name:       name,
		procedures: make(map[string]*Procedure),
		events:     make(map[string]*Event),
	}}
}

// Procedure declares a procedure served by this process.
func (b *Builder) Procedure(name string, h Handler) *Builder {
	b.api.procedures[name] = &Procedure{Name: name, Handler: h}
	return b
}

// RemoteProcedure declares a procedure this process calls but does not serve.
func (b *Builder) RemoteProcedure(name string) *Builder {
	b.api.procedures[name] = &Procedure{Name: name}
	return b
}

// Event declares an event the Api may fire.
func (b *Builder) Event(name string) *Builder {
	b.api.events[name] = &Event{Name: name}
	return b
}

func (b *Builder) Build() *Api {
	return b.api
}
