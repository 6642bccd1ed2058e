// Package registry tracks every live stream handle owned by the relay so that
// a kill can tear down whole groups of pipelines without leaking or
// double-closing anything.
//
// Handles are grouped by [Scope]. A scope pairs a lifetime [Class] (broadcast
// or whisper) with an owner, normally an utterance ID for broadcasts and a
// speaker ID for whisper sessions.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Class is the lifetime class of a handle.
type Class string

const (
	// ClassBroadcast groups handles of pipelines driven by the main target.
	ClassBroadcast Class = "broadcast"

	// ClassWhisper groups handles of whisper sessions.
	ClassWhisper Class = "whisper"
)

// Scope identifies the owner of a set of handles.
type Scope struct {
	Class Class
	Owner string
}

// Handle wraps anything that needs an explicit close. Close runs the wrapped
// function at most once; every later call returns the first result.
type Handle struct {
	name   string
	fn     func() error
	once   sync.Once
	closed atomic.Bool
	err    error
}

// NewHandle returns a handle that runs closeFn on its first Close.
// name is used for diagnostics only.
func NewHandle(name string, closeFn func() error) *Handle {
	return &Handle{name: name, fn: closeFn}
}

// Name returns the diagnostic name.
func (h *Handle) Name() string { return h.name }

// Close runs the close function once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.closed.Store(true)
		if h.fn != nil {
			h.err = h.fn()
		}
	})
	return h.err
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Registry is the set of live handles. The zero value is not usable; call [New].
// Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	scopes map[Scope]map[*Handle]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{scopes: make(map[Scope]map[*Handle]struct{})}
}

// Track adds h to scope. Tracking an already closed handle is a no-op.
func (r *Registry) Track(scope Scope, h *Handle) {
	if h == nil || h.Closed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[*Handle]struct{})
		r.scopes[scope] = set
	}
	set[h] = struct{}{}
}

// Release closes h and removes it from scope. It is the path for handles that
// finish on their own.
func (r *Registry) Release(scope Scope, h *Handle) error {
	r.mu.Lock()
	if set, ok := r.scopes[scope]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(r.scopes, scope)
		}
	}
	r.mu.Unlock()
	return h.Close()
}

// KillScope closes and removes every handle of scope. It returns how many
// handles it closed and the joined close errors.
func (r *Registry) KillScope(scope Scope) (int, error) {
	r.mu.Lock()
	set := r.scopes[scope]
	delete(r.scopes, scope)
	r.mu.Unlock()
	return closeAll(set)
}

// KillClass closes and removes every handle of every scope of class.
func (r *Registry) KillClass(class Class) (int, error) {
	return r.kill(func(s Scope) bool { return s.Class == class })
}

// KillAll closes and removes every tracked handle.
func (r *Registry) KillAll() (int, error) {
	return r.kill(func(Scope) bool { return true })
}

// Len returns the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.scopes {
		n += len(set)
	}
	return n
}

// LenScope returns the number of handles tracked for scope.
func (r *Registry) LenScope(scope Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scopes[scope])
}

// LenClass returns the number of handles tracked for class.
func (r *Registry) LenClass(class Class) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for s, set := range r.scopes {
		if s.Class == class {
			n += len(set)
		}
	}
	return n
}

// kill detaches the matching sets under the lock and closes them outside it,
// so handles tracked concurrently for other scopes are untouched and close
// functions may call back into the registry.
func (r *Registry) kill(match func(Scope) bool) (int, error) {
	r.mu.Lock()
	var victims []map[*Handle]struct{}
	for s, set := range r.scopes {
		if match(s) {
			victims = append(victims, set)
			delete(r.scopes, s)
		}
	}
	r.mu.Unlock()

	total := 0
	var errs []error
	for _, set := range victims {
		n, err := closeAll(set)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func closeAll(set map[*Handle]struct{}) (int, error) {
	n := 0
	var errs []error
	for h := range set {
		if h.Closed() {
			continue
		}
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		n++
	}
	return n, errors.Join(errs...)
}
