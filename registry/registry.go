// Package registry tracks which peers are reachable right now and how to
// address them. It is the single source of truth for online state; nothing
// in it is ever persisted.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tlpbroker/identity"
	"tlpbroker/types"
)

// ErrNotConnected is returned by Send when no handle is registered for the
// fingerprint. Callers treat it as a routine condition, not a failure.
var ErrNotConnected = errors.New("registry: peer not connected")

// Handle is the transport surface the registry needs from a live connection.
// Connection handlers supply the real websocket-backed implementation; tests
// supply fakes.
type Handle interface {
	Send(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// ReplacePolicy selects what happens to an existing handle when the same
// fingerprint registers again.
type ReplacePolicy int

const (
	// ReplaceSilently drops the previous handle from the registry without
	// touching it. The displaced connection discovers its fate on its next
	// read.
	ReplaceSilently ReplacePolicy = iota
	// ReplaceClosePrevious closes the displaced handle before installing
	// the new one.
	ReplaceClosePrevious
)

type session struct {
	handle Handle
	role   types.Role
}

// Registry maps fingerprints to live connection handles. All methods are
// safe under concurrent access from many connection handlers.
type Registry struct {
	policy ReplacePolicy

	mu       sync.RWMutex
	sessions map[identity.Fingerprint]*session
}

// New constructs an empty registry with the given replacement policy.
func New(policy ReplacePolicy) *Registry {
	return &Registry{
		policy:   policy,
		sessions: make(map[identity.Fingerprint]*session),
	}
}

// Register installs the handle for the fingerprint. A prior handle for the
// same fingerprint is displaced last-writer-wins according to the
// replacement policy. Returns true when a previous handle was displaced.
func (r *Registry) Register(fp identity.Fingerprint, role types.Role, h Handle) bool {
	r.mu.Lock()
	prev := r.sessions[fp]
	r.sessions[fp] = &session{handle: h, role: role}
	r.mu.Unlock()

	if prev == nil || prev.handle == h {
		return false
	}
	if r.policy == ReplaceClosePrevious {
		_ = prev.handle.Close("session replaced by a newer connection")
	}
	return true
}

// Unregister removes the fingerprint's session, but only if the supplied
// handle is still the registered one. A displaced connection cleaning up
// after itself must not evict its replacement. Reports whether the session
// was removed, so callers can skip teardown that belongs to the replacement.
func (r *Registry) Unregister(fp identity.Fingerprint, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[fp]; ok && current.handle == h {
		delete(r.sessions, fp)
		return true
	}
	return false
}

// IsOnline reports whether a handle is registered for the fingerprint.
func (r *Registry) IsOnline(fp identity.Fingerprint) bool {
	r.mu.RLock()
	_, ok := r.sessions[fp]
	r.mu.RUnlock()
	return ok
}

// Send delivers a frame to the fingerprint's registered handle, or reports
// ErrNotConnected when there is none.
func (r *Registry) Send(ctx context.Context, fp identity.Fingerprint, frame []byte) error {
	r.mu.RLock()
	sess, ok := r.sessions[fp]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return sess.handle.Send(ctx, frame)
}

// OnlineSolvers lists the fingerprints of currently connected solvers in a
// stable order, so selection policies behave deterministically.
func (r *Registry) OnlineSolvers() []identity.Fingerprint {
	r.mu.RLock()
	out := make([]identity.Fingerprint, 0, len(r.sessions))
	for fp, sess := range r.sessions {
		if sess.role == types.RoleSolver {
			out = append(out, fp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
