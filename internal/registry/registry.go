// Package registry maps function names to typed executable capabilities.
// Bindings are registered once at process startup and looked up, never
// mutated, by the compiler and the execution engines.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagforge/internal/dagerr"
	"dagforge/internal/secret"
)

// SideEffect classifies what a function does to the outside world. The
// scheduler uses it to decide whether a failed attempt is safe to retry.
type SideEffect string

const (
	SideEffectReadOnly        SideEffect = "read-only"
	SideEffectIdempotentWrite SideEffect = "idempotent-write"
	SideEffectNonIdempotent   SideEffect = "non-idempotent"
)

// RetrySafe reports whether a failed attempt may be re-executed without
// risking a duplicated side effect.
func (s SideEffect) RetrySafe() bool {
	return s == SideEffectReadOnly || s == SideEffectIdempotentWrite
}

// Invocation carries everything one task attempt needs at call time. Secrets
// are resolved through the attached resolver, never ahead of time.
type Invocation struct {
	JobID         string
	TaskID        string
	RunID         string
	Attempt       int
	ExecutionDate time.Time
	Kwargs        map[string]any
	SecretKey     string
	Secrets       secret.Resolver
}

// Connection resolves the invocation's secret key. Fails with
// SecretNotFoundError when the key is absent or no key was declared.
func (inv *Invocation) Connection(ctx context.Context) (*secret.ConnectionParams, error) {
	if inv.SecretKey == "" {
		return nil, &dagerr.SecretNotFoundError{Key: "(none declared)"}
	}
	return inv.Secrets.Resolve(ctx, inv.SecretKey)
}

// String returns a string kwarg, or def when absent.
func (inv *Invocation) String(name, def string) string {
	if v, ok := inv.Kwargs[name].(string); ok {
		return v
	}
	return def
}

// Int returns an integer kwarg, or def when absent or non-numeric. A dispatch
// that crossed a JSON hop carries numbers as float64, so all the numeric
// representations a decoder can produce are accepted.
func (inv *Invocation) Int(name string, def int) int {
	switch v := inv.Kwargs[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Result is the output of one successful invocation.
type Result struct {
	Output []byte `json:"output,omitempty"`
}

// Function is a reusable, parameterized unit of business logic invokable by a
// task. Implementations may block for the duration of the external call; the
// core never holds a lock across Invoke.
type Function interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// FunctionBinding pairs a function name with its capability contract and the
// implementation behind it.
type FunctionBinding struct {
	Name     string
	Contract Contract
	Impl     Function
}

// Registry is the name-to-capability map. Registration happens at startup
// behind the write lock; steady-state resolution takes the read lock only, so
// many in-flight tasks can resolve concurrently.
type Registry struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	bindings map[string]*FunctionBinding
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		bindings: make(map[string]*FunctionBinding),
	}
}

// Register adds a binding. Re-registering the same name with an identical
// contract is a no-op; a conflicting contract fails with ConflictError.
func (r *Registry) Register(name string, contract Contract, impl Function) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bindings[name]; ok {
		if reason := existing.Contract.diff(contract); reason != "" {
			return &dagerr.ConflictError{Name: name, Reason: reason}
		}
		return nil
	}

	r.bindings[name] = &FunctionBinding{Name: name, Contract: contract, Impl: impl}
	r.logger.Info("Registered function",
		zap.String("name", name),
		zap.String("side_effect", string(contract.SideEffect)))
	return nil
}

// Resolve returns the binding for name, or NotFoundError.
func (r *Registry) Resolve(name string) (*FunctionBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.bindings[name]
	if !ok {
		return nil, &dagerr.NotFoundError{Kind: "function", Name: name}
	}
	return binding, nil
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
