// Package presence tracks which connections are online under which display
// name. It maintains a bidirectional connection-id <-> display-name mapping
// and enforces display-name uniqueness.
//
// The Registry is a plain data structure and is NOT goroutine-safe: every
// read-then-write sequence (uniqueness check followed by insert) must be
// atomic, so the hub router serializes all access to it under a single lock
// shared with the room directory.
package presence

import (
	"errors"
	"sort"
)

// ErrNameTaken is returned by Register when the requested display name is
// already claimed by a live connection.
var ErrNameTaken = errors.New("presence: display name already taken")

// Registry is the bidirectional connection-id <-> display-name mapping.
type Registry struct {
	byConn map[string]string // connection ID -> display name
	byName map[string]string // display name -> connection ID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byName: make(map[string]string),
	}
}

// Register claims the display name for the given connection. It returns
// ErrNameTaken if another connection (including a stale one not yet cleaned
// up) already holds the name. Name comparison is exact and case-sensitive.
//
// A connection maps to at most one name: re-registering releases the
// connection's previous name for reuse. Re-registering the name the
// connection already holds is a no-op.
func (r *Registry) Register(connID, name string) error {
	if owner, ok := r.byName[name]; ok {
		if owner == connID {
			return nil
		}
		return ErrNameTaken
	}
	if old, ok := r.byConn[connID]; ok {
		delete(r.byName, old)
	}
	r.byConn[connID] = name
	r.byName[name] = connID
	return nil
}

// Unregister removes the connection's entry, freeing its display name for
// reuse. It returns the freed name and true, or "" and false if the
// connection was never registered. It is idempotent.
func (r *Registry) Unregister(connID string) (string, bool) {
	name, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	delete(r.byName, name)
	return name, true
}

// Name returns the display name registered by the connection, if any.
func (r *Registry) Name(connID string) (string, bool) {
	name, ok := r.byConn[connID]
	return name, ok
}

// Connection returns the connection ID holding the given display name, if
// any. Names are unique, so there is at most one match.
func (r *Registry) Connection(name string) (string, bool) {
	connID, ok := r.byName[name]
	return connID, ok
}

// NamesExcept returns the display names of all registered connections except
// the given one, sorted for deterministic output. It builds each observer's
// visible-peers view.
func (r *Registry) NamesExcept(connID string) []string {
	names := make([]string, 0, len(r.byConn))
	for id, name := range r.byConn {
		if id == connID {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the IDs of all registered connections, sorted. The hub
// iterates this to fan out per-user peer list updates.
func (r *Registry) Connections() []string {
	ids := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.byConn)
}
