// Package session tracks which users are connected.
//
// The registry maps a per-connection handle (assigned by the transport at
// connect time) to the user identity supplied in the join message. User ids
// are client-supplied and not verified; identity spoofing is possible by
// design and not a hardening target.
package session

import (
	"sync"
	"time"
)

// User is a connected user's identity and presence record.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Initials string `json:"initials"`
	LastSeen string `json:"lastSeen"`
}

// Registry maps connection handles to joined users.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]User),
		now:   time.Now,
	}
}

// Join records the user under the connection handle, stamping LastSeen.
// Joining again on the same handle overwrites the prior record.
func (r *Registry) Join(connID string, user User) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	user.LastSeen = r.now().UTC().Format(time.RFC3339)
	r.users[connID] = user
	return user
}

// Leave removes the record for the connection handle and reports the prior
// user. Leaving an unregistered connection is a no-op, not an error.
func (r *Registry) Leave(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[connID]
	if ok {
		delete(r.users, connID)
	}
	return user, ok
}

// Lookup returns the user joined on the connection handle, if any.
func (r *Registry) Lookup(connID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[connID]
	return user, ok
}

// Users returns all currently joined users. Order is unspecified; callers
// must not rely on it.
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// Count returns the number of joined connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
