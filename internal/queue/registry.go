package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler performs the work for one job type. ctx is cancelled when the
// job is cancelled or the pool shuts down; honoring it is the handler's
// responsibility. The returned result is stored on the job on success.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// HandlerRegistry maps job types to handlers. It is safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds handler to jobType, replacing any previous binding.
func (r *HandlerRegistry) Register(jobType string, handler Handler) error {
	if jobType == "" {
		return validationErrorf("job type is required")
	}
	if handler == nil {
		return validationErrorf("handler for %q is nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
	return nil
}

// RegisterTyped registers a handler taking a decoded payload of type T and
// returning a result of type R, which is encoded back to JSON.
func RegisterTyped[T, R any](
	r *HandlerRegistry,
	jobType string,
	fn func(ctx context.Context, payload T) (R, error),
) error {
	if fn == nil {
		return validationErrorf("handler for %q is nil", jobType)
	}
	return r.Register(jobType, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var payload T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, fmt.Errorf("decode payload for %q: %w", jobType, err)
			}
		}
		result, err := fn(ctx, payload)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result for %q: %w", jobType, err)
		}
		return out, nil
	})
}

// Lookup returns the handler for jobType.
func (r *HandlerRegistry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Has reports whether jobType has a handler.
func (r *HandlerRegistry) Has(jobType string) bool {
	_, ok := r.Lookup(jobType)
	return ok
}

// Types returns the registered job types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
