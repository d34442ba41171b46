package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HandleFunc runs one claimed job. A non-nil error fails the attempt.
type HandleFunc = func(ctx context.Context, job Job) error

// Registry maps job kinds to the handlers that run them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]HandleFunc
}

// NewRegistry returns a Registry with a no-op handler for keep-alive jobs.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[Kind]HandleFunc),
	}
	Handle(r, func(ctx context.Context, job Job, p KeepAlive) error {
		slog.Debug("keep-alive job handled", "job_id", job.ID, "nonce", p.Nonce)
		return nil
	})
	return r
}

// Register sets the handler for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, handle HandleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handle
}

// Handle registers a handler that receives the decoded payload of type P.
func Handle[P Payload](r *Registry, fn func(ctx context.Context, job Job, payload P) error) {
	var zero P
	r.Register(zero.Kind(), func(ctx context.Context, job Job) error {
		p, ok := job.Message.Payload.(P)
		if !ok {
			return fmt.Errorf("%w: payload of job %s is %T", ErrInvalidMessage, job.ID, job.Message.Payload)
		}
		return fn(ctx, job, p)
	})
}

func (r *Registry) lookup(kind Kind) (HandleFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
