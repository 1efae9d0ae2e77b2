package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

// Handler executes one kind of task. The returned value, if any, becomes the
// signature's result and is mapped into successor kwargs.
type Handler interface {
	Handle(ctx context.Context, job *Job) (json.RawMessage, error)
	TaskName() string
}

// HandlerFunc adapts a function to the Handler interface under a fixed name.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, job *Job) (json.RawMessage, error)
}

func (h HandlerFunc) Handle(ctx context.Context, job *Job) (json.RawMessage, error) {
	return h.Fn(ctx, job)
}

func (h HandlerFunc) TaskName() string { return h.Name }

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskName()] = h
}

// RegisterFunc registers a bare function under a task name.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, job *Job) (json.RawMessage, error)) {
	r.Register(HandlerFunc{Name: name, Fn: fn})
}

// Get returns the handler for the given task name.
// Returns UnknownTaskError if not registered.
func (r *Registry) Get(taskName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskName]
	if !ok {
		return nil, &domain.UnknownTaskError{TaskName: taskName}
	}
	return h, nil
}
