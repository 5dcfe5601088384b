package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Message is anything carried over a Channel. Kind names the concrete type
// inside its Registry.
type Message interface {
	Kind() string
}

// SubmitRequest is a client operation forwarded to the coordinator node.
// Begin runs on the coordinator's executor and usually ends in
// SendOperation.
type SubmitRequest interface {
	Message
	Begin(ctx context.Context, c *Coordinator, sub Submission)
}

// NodeRequest is broadcast to every participant of a request context.
type NodeRequest interface {
	Message
}

// NodeResponse is one participant's answer to a NodeRequest.
type NodeResponse interface {
	Message
}

// SubmitResponse answers a SubmitRequest.
type SubmitResponse interface {
	Message
}

// Submission identifies who asked for an operation and how to answer them.
type Submission struct {
	Request     SubmitRequest
	Submitter   *Member
	OperationID SessionOperationID
}

// ErrUnknownKind is returned when a Registry has no factory for a kind.
var ErrUnknownKind = errors.New("coord: unknown message kind")

// Registry maps message kinds to constructors. Each coordinator namespace
// owns its own Registry so independent coordinators never share state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Message
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Message)}
}

// Register adds a factory. The factory must return a pointer so payloads can
// be decoded into it.
func (r *Registry) Register(kind string, factory func() Message) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("coord: register requires kind and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("coord: kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry) MustRegister(kind string, factory func() Message) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// New constructs an empty message of kind.
func (r *Registry) New(kind string) (Message, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(), nil
}

// Decode builds a message of kind from its JSON payload.
func (r *Registry) Decode(kind string, payload []byte) (Message, error) {
	msg, err := r.New(kind)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("coord: decode %s: %w", kind, err)
		}
	}
	if got := msg.Kind(); got != kind {
		return nil, fmt.Errorf("coord: factory for %q built %q", kind, got)
	}
	return msg, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
