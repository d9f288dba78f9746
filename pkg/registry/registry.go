// Package registry holds the authoritative username to session mapping.
//
// Every mutation runs on the registry's own mailbox worker, so callers never
// touch the map concurrently. Lookup is the exception: it reads under a read
// lock without waiting for the worker.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/NicolasHaas/gochat/pkg/mailbox"
)

// ErrStopped is returned once the registry has been drained.
var ErrStopped = errors.New("registry: stopped")

// Registry maps usernames to online sessions. At most one session is
// registered per username.
type Registry[S comparable] struct {
	mu       sync.RWMutex
	sessions map[string]S
	ops      *mailbox.Mailbox[struct{}]
}

// New creates a registry and starts its worker.
func New[S comparable]() *Registry[S] {
	r := &Registry[S]{
		sessions: make(map[string]S),
		ops:      mailbox.New[struct{}]("registry"),
	}
	r.ops.Start(func(struct{}) {})
	return r
}

// exec runs fn on the worker and waits for it.
func (r *Registry[S]) exec(fn func()) error {
	finished := make(chan struct{})
	if err := r.ops.Do(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-r.ops.Done():
		// The worker may have run fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Add registers s under username and returns the session it replaced, if
// any. The caller must shut the replaced session down.
func (r *Registry[S]) Add(username string, s S) (prev S, replaced bool, err error) {
	err = r.exec(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		prev, replaced = r.sessions[username]
		r.sessions[username] = s
	})
	return prev, replaced, err
}

// Remove unregisters username and returns the removed session.
func (r *Registry[S]) Remove(username string) (removed S, ok bool, err error) {
	err = r.exec(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		removed, ok = r.sessions[username]
		delete(r.sessions, username)
	})
	return removed, ok, err
}

// RemoveIf unregisters username only while s is the registered session.
// A session evicted by a newer login cannot remove its replacement.
func (r *Registry[S]) RemoveIf(username string, s S) (bool, error) {
	var removed bool
	err := r.exec(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.sessions[username]; ok && cur == s {
			delete(r.sessions, username)
			removed = true
		}
	})
	return removed, err
}

// Lookup returns the session registered for username.
func (r *Registry[S]) Lookup(username string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// List returns all online usernames in ascending order.
func (r *Registry[S]) List() ([]string, error) {
	var names []string
	err := r.exec(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		names = make([]string, 0, len(r.sessions))
		for name := range r.sessions {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names, err
}

// IsOnline reports whether username has a registered session.
func (r *Registry[S]) IsOnline(username string) (bool, error) {
	var online bool
	err := r.exec(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, online = r.sessions[username]
	})
	return online, err
}

// Len returns the number of registered sessions.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DrainAll empties the registry in one step and returns every session that
// was registered, ordered by username. The registry is stopped afterwards.
func (r *Registry[S]) DrainAll() ([]S, error) {
	var drained []S
	err := r.exec(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		names := make([]string, 0, len(r.sessions))
		for name := range r.sessions {
			names = append(names, name)
		}
		sort.Strings(names)
		drained = make([]S, 0, len(names))
		for _, name := range names {
			drained = append(drained, r.sessions[name])
		}
		r.sessions = make(map[string]S)
		r.ops.Stop()
	})
	return drained, err
}

// Stop shuts the worker down without draining.
func (r *Registry[S]) Stop() {
	r.ops.Stop()
}
