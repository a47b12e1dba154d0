// internal/core/registry.go
package core

import (
	"fmt"
	"sync"
	"time"
)

// Registry is the process-wide directory of live sessions and lobbies.
// Sessions register on accept and deregister on disconnect; lobbies register
// at load or creation and stay for the life of the process. Lookups never
// block on anything but the registry mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lobbies  map[string]*Lobby
	order    []*Lobby
	main     *Lobby
	started  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		lobbies:  make(map[string]*Lobby),
		started:  time.Now(),
	}
}

func (r *Registry) AddSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.UID()] = s
}

func (r *Registry) RemoveSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.UID())
}

func (r *Registry) NClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AddLobby registers a newly constructed lobby. Two live lobbies with the
// same name is a program fault; the panic is confined to the offending
// session by the read-loop recover.
func (r *Registry) AddLobby(l *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lobbies[l.Name()]; ok {
		panic(fmt.Sprintf("lobby %q constructed twice", l.Name()))
	}
	r.lobbies[l.Name()] = l
	r.order = append(r.order, l)
}

// AddLobbyIfAbsent registers l unless a lobby with the same name is already
// live, and returns the lobby that won.
func (r *Registry) AddLobbyIfAbsent(l *Lobby) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.lobbies[l.Name()]; ok {
		return have
	}
	r.lobbies[l.Name()] = l
	r.order = append(r.order, l)
	return l
}

func (r *Registry) Lobby(name string) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lobbies[name]
}

// Lobbies returns live lobbies in registration order, the main lobby first.
func (r *Registry) Lobbies() []*Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Lobby, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) NLobbies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) SetMain(l *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.main = l
}

func (r *Registry) Main() *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.main
}

func (r *Registry) UptimeSecs() float64 {
	return time.Since(r.started).Seconds()
}
