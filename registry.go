package jobengine

import (
	"context"
	"fmt"
	"sort"
)

// Handler runs one attempt of a job. options is the job's opaque
// configuration; the returned bytes become the job result on success.
// Handlers must watch ctx: it is cancelled when the job is cancelled,
// requeued elsewhere or exceeds the task time limit.
type Handler func(ctx context.Context, options []byte, progress Progress) ([]byte, error)

// Registry maps job kinds to handlers. It is fixed at construction.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from kind -> handler. Nil handlers are rejected
// with a panic since they are a programming error.
func NewRegistry(handlers map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for kind, h := range handlers {
		if kind == "" || h == nil {
			panic(fmt.Sprintf("jobengine: invalid handler registration for kind %q", kind))
		}
		r.handlers[kind] = h
	}
	return r
}

// Get returns the handler for kind.
func (r *Registry) Get(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return h, nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
