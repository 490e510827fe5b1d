// Package presence tracks which users hold a live realtime connection.
package presence

import "sort"

// Registry maps a user id to the handle of its most recent connection.
//
// A Registry is owned by a single goroutine and is not safe for concurrent use.
type Registry[H comparable] struct {
	handles map[string]H
}

// NewRegistry constructs an empty registry.
func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{handles: make(map[string]H)}
}

// Register maps userID to handle, replacing any earlier handle for the same user.
// It returns the replaced handle and whether one existed.
func (r *Registry[H]) Register(userID string, handle H) (H, bool) {
	previous, existed := r.handles[userID]
	r.handles[userID] = handle
	return previous, existed
}

// Unregister removes the mapping for userID only while it still points at handle.
// A superseded handle leaves the newer mapping in place and reports false.
func (r *Registry[H]) Unregister(userID string, handle H) bool {
	current, ok := r.handles[userID]
	if !ok || current != handle {
		return false
	}
	delete(r.handles, userID)
	return true
}

// Lookup returns the handle registered for userID.
func (r *Registry[H]) Lookup(userID string) (H, bool) {
	handle, ok := r.handles[userID]
	return handle, ok
}

// Snapshot returns the registered user ids in ascending order.
func (r *Registry[H]) Snapshot() []string {
	userIDs := make([]string, 0, len(r.handles))
	for userID := range r.handles {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return userIDs
}

// Handles returns every registered handle ordered by user id.
func (r *Registry[H]) Handles() []H {
	userIDs := r.Snapshot()
	handles := make([]H, 0, len(userIDs))
	for _, userID := range userIDs {
		handles = append(handles, r.handles[userID])
	}
	return handles
}

// Len reports the number of online users.
func (r *Registry[H]) Len() int {
	return len(r.handles)
}
