// Package server tracks which logical users are currently connected via the
// Registry type, the single source of truth for the roster.
package server

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// connectionRecord holds the per-connection identity owned exclusively by the
// Registry. Nothing else may mutate it.
type connectionRecord struct {
	name   string
	avatar string
}

// Registry maps connection IDs to display names and avatars. All operations
// are linearizable: a single mutex makes every call appear atomic, so
// concurrent register/unregister/snapshot calls never observe a
// half-applied mutation.
//
// It also keeps a best-effort per-process avatar cache keyed by display name,
// so a user who reconnects with the same name gets their previous avatar back
// without re-uploading. The cache is not persisted across restarts.
type Registry struct {
	mu      sync.RWMutex
	records map[string]connectionRecord
	avatars map[string]string
}

// NewRegistry returns an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]connectionRecord),
		avatars: make(map[string]string),
	}
}

// Register inserts or overwrites the record for connID. Duplicate display
// names across connections are allowed and never merged.
func (r *Registry) Register(connID, name, avatar string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[connID] = connectionRecord{name: name, avatar: avatar}
	if avatar != "" {
		r.avatars[name] = avatar
	}
}

// UpdateAvatar changes the avatar for a live connection. A late update for a
// connection that already unregistered is a no-op, never an error: it must
// not resurrect state.
func (r *Registry) UpdateAvatar(connID, avatar string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return
	}
	rec.avatar = avatar
	r.records[connID] = rec
	if avatar != "" {
		r.avatars[rec.name] = avatar
	}
}

// Unregister removes the record for connID and reports the display name it
// held, if any. Callers use the second return to decide whether a departure
// should be announced.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return "", false
	}
	delete(r.records, connID)
	return rec.name, true
}

// SnapshotNames returns a point-in-time roster of display names. The roster
// is a set semantically; names are sorted only to make the sequence stable
// for clients and tests.
func (r *Registry) SnapshotNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.MapToSlice(r.records, func(_ string, rec connectionRecord) string {
		return rec.name
	})
	sort.Strings(names)
	return names
}

// Avatar returns the current avatar for a live connection, or fallback when
// the connection is not registered or has no avatar.
func (r *Registry) Avatar(connID, fallback string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[connID]; ok && rec.avatar != "" {
		return rec.avatar
	}
	return fallback
}

// ResolveAvatar returns the cached avatar for a display name seen earlier in
// this process run, or fallback for a name never seen.
func (r *Registry) ResolveAvatar(name, fallback string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if avatar, ok := r.avatars[name]; ok && avatar != "" {
		return avatar
	}
	return fallback
}
