// Package resourcestore implements the Node's single shared mutable structure: an
// in-memory, versioned, referentially-checked graph of model.Resources. Readers take
// a shared lock; writers take an exclusive one; change notification is edge-triggered
// via a replaced broadcast channel rather than callbacks, so waiters can re-enter the
// store freely without risking deadlock (the store never calls user code while its
// lock is held).
package resourcestore

import (
	"context"
	"sort"
	"sync"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/pkg/timestamp"
)

// Store is the resource graph described in §4.1. The zero value is not usable; use
// New.
type Store struct {
	mu sync.RWMutex

	resources map[string]*model.Resource
	clock     timestamp.VersionClock
	global    timestamp.Version
	changed   chan struct{} // closed and replaced on every mutation; see broadcastLocked

	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		resources: make(map[string]*model.Resource),
		changed:   make(chan struct{}),
	}
}

// broadcastLocked wakes every goroutine blocked in WaitForChange. Must be called
// with mu held for writing.
func (s *Store) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) existsLocked(id string) bool {
	_, ok := s.resources[id]
	return ok
}

// hasNodeLocked reports whether a Node resource is already present, enforcing
// §3's "exactly one node resource at any time."
func (s *Store) hasNodeLocked() bool {
	for _, r := range s.resources {
		if r.Type == model.TypeNode {
			return true
		}
	}
	return false
}

// Insert adds r to the store. Fails with ErrAlreadyExists if r.ID is present, or
// ErrDanglingReference if a declared parent id is absent. On success it stamps a
// fresh Version and Health, registers r under each parent's Children set, and wakes
// WaitForChange callers.
func (s *Store) Insert(r *model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nmoserrors.ErrShutdown
	}
	if s.existsLocked(r.ID) {
		return nmoserrors.ErrAlreadyExists
	}
	if r.Type == model.TypeNode && s.hasNodeLocked() {
		return nmoserrors.ErrNodeExists
	}
	if err := model.ValidateParents(r, s.existsLocked); err != nil {
		return err
	}

	v := s.clock.Next()
	r.Version = v
	r.Health = timestamp.Now() / 1000
	if r.Children == nil {
		r.Children = make(map[string]struct{})
	}

	s.resources[r.ID] = r
	for _, ref := range r.Parents {
		if parent, ok := s.resources[ref.ID]; ok {
			if parent.Children == nil {
				parent.Children = make(map[string]struct{})
			}
			parent.Children[r.ID] = struct{}{}
		}
	}
	s.global = v
	s.broadcastLocked()
	return nil
}

// Modify applies transform to the resource named id under exclusive access, then
// stamps a fresh Version and Health. transform mutates the Resource in place; it
// must not retain the pointer past the call.
func (s *Store) Modify(id string, transform func(*model.Resource) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nmoserrors.ErrShutdown
	}
	r, ok := s.resources[id]
	if !ok {
		return nmoserrors.ErrNotFound
	}
	if err := transform(r); err != nil {
		return err
	}
	v := s.clock.Next()
	r.Version = v
	r.Health = timestamp.Now() / 1000
	s.global = v
	s.broadcastLocked()
	return nil
}

// Erase removes id and every descendant reachable through Children, in one atomic
// observable transition (no intermediate state is visible to Snapshot/Get callers).
func (s *Store) Erase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nmoserrors.ErrShutdown
	}
	if !s.existsLocked(id) {
		return nmoserrors.ErrNotFound
	}

	victims := s.collectDescendantsLocked(id)
	for v := range victims {
		delete(s.resources, v)
	}
	for _, r := range s.resources {
		for v := range victims {
			delete(r.Children, v)
		}
	}

	v := s.clock.Next()
	s.global = v
	s.broadcastLocked()
	return nil
}

func (s *Store) collectDescendantsLocked(id string) map[string]struct{} {
	victims := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		r, ok := s.resources[cur]
		if !ok {
			continue
		}
		for child := range r.Children {
			if _, seen := victims[child]; !seen {
				victims[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}
	return victims
}

// Touch sets a resource's health timestamp without touching its payload or
// Version, as used by registration heartbeats and grain observations that keep a
// resource alive without representing a real mutation.
func (s *Store) Touch(id string, health int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nmoserrors.ErrShutdown
	}
	r, ok := s.resources[id]
	if !ok {
		return nmoserrors.ErrNotFound
	}
	r.Health = health
	s.broadcastLocked()
	return nil
}

// Get returns a defensive copy of the resource named id.
func (s *Store) Get(id string) (*model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, nmoserrors.ErrNotFound
	}
	return r.Clone(), nil
}

// Snapshot returns a stable, ordered view of every resource matching predicate,
// ordered by type precedence (node, device, source, flow, sender, receiver,
// subscription, grain) then by id. The returned resources are defensive copies;
// mutating them does not affect the store.
func (s *Store) Snapshot(predicate func(*model.Resource) bool) []*model.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if predicate == nil || predicate(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type.Precedence() != out[j].Type.Precedence() {
			return out[i].Type.Precedence() < out[j].Type.Precedence()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GlobalVersion returns the current global update version.
func (s *Store) GlobalVersion() timestamp.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// WaitForChange blocks until the store's global update version exceeds min, the
// deadline carried by ctx passes, or the store is shut down. It never holds the
// store's lock while blocked, so other goroutines can mutate the store freely
// while a caller waits.
func (s *Store) WaitForChange(ctx context.Context, min timestamp.Version) (timestamp.Version, error) {
	for {
		s.mu.RLock()
		cur := s.global
		ch := s.changed
		closed := s.closed
		s.mu.RUnlock()

		if cur.After(min) {
			return cur, nil
		}
		if closed {
			return cur, nmoserrors.ErrShutdown
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Shutdown freezes the store: subsequent Insert/Modify/Erase/Touch calls fail with
// ErrShutdown, and any blocked WaitForChange callers wake immediately.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked()
}
