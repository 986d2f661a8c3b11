package api

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateApi     = errors.New("api already registered")
	ErrUnknownApi       = errors.New("unknown api")
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Registry maps logical API names to their declarations. Registration
// happens during startup; after that the registry is read-mostly and safe
// for concurrent resolution.
type Registry struct {
	mu   sync.RWMutex
	apis map[string]*Api
}

func NewRegistry() *Registry {
	return &Registry{apis: make(map[string]*Api)}
}

// Register adds an Api. A name collision fails only the offending
// registration; existing entries are untouched.
func (r *Registry) Register(a *Api) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apis[a.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateApi, a.Name())
	}
	r.apis[a.Name()] = a
	return nil
}

// Resolve finds the procedure declaration for api.procedure.
func (r *Registry) Resolve(apiName, procedureName string) (*Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apis[apiName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApi, apiName)
	}
	p, ok := a.procedures[procedureName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProcedure, apiName, procedureName)
	}
	return p, nil
}

// ResolveEvent finds the event declaration for api.event.
func (r *Registry) ResolveEvent(apiName, eventName string) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apis[apiName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApi, apiName)
	}
	e, ok := a.events[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownEvent, apiName, eventName)
	}
	return e, nil
}

// Apis returns a snapshot of the registered APIs.
func (r *Registry) Apis() []*Api {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Api, 0, len(r.apis))
	for _, a := range r.apis {
		out = append(out, a)
	}
	return out
}
