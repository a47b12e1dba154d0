// internal/core/clientset.go
package core

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/models"
)

// ClientSet is the roster of sessions resident in one scope. Roster changes
// and the broadcasts that announce them happen under one lock hold, so every
// resident observes joins and leaves in a single order.
type ClientSet struct {
	mu      sync.Mutex
	members []*Session
}

func NewClientSet() *ClientSet { return &ClientSet{} }

func (cs *ClientSet) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.members)
}

func (cs *ClientSet) Has(s *Session) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.indexOf(s) >= 0
}

// List returns a snapshot of the roster in join order.
func (cs *ClientSet) List() []*Session {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Session, len(cs.members))
	copy(out, cs.members)
	return out
}

// FindByUID returns the first resident logged in as uid, or nil.
func (cs *ClientSet) FindByUID(uid string) *Session {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, m := range cs.members {
		if u := m.User(); u != nil && u.UID == uid {
			return m
		}
	}
	return nil
}

// Broadcast enqueues raw on every resident's write queue.
func (cs *ClientSet) Broadcast(raw []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, m := range cs.members {
		m.WriteRaw(raw)
	}
}

// AddBroadcastJoined appends s and announces the join to the whole roster,
// the new member included.
func (cs *ClientSet) AddBroadcastJoined(s *Session, raw []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.members = append(cs.members, s)
	for _, m := range cs.members {
		m.WriteRaw(raw)
	}
}

// AddCappedBroadcastJoined is AddBroadcastJoined with a capacity check under
// the same lock hold. It reports false, changing nothing, when the roster is
// already at limit.
func (cs *ClientSet) AddCappedBroadcastJoined(s *Session, limit int, raw []byte) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if limit > 0 && len(cs.members) >= limit {
		return false
	}
	cs.members = append(cs.members, s)
	for _, m := range cs.members {
		m.WriteRaw(raw)
	}
	return true
}

// RemoveBroadcastLeft removes s and then announces the departure, so the
// leaver does not receive it. Reports false when s was not resident.
func (cs *ClientSet) RemoveBroadcastLeft(s *Session, raw []byte) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.removeUnsafe(s) {
		return false
	}
	for _, m := range cs.members {
		m.WriteRaw(raw)
	}
	return true
}

// BroadcastLeftRemove announces the departure to the whole roster, the
// leaver included, and then removes s. Reports false when s was not
// resident.
func (cs *ClientSet) BroadcastLeftRemove(s *Session, raw []byte) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.indexOf(s) < 0 {
		return false
	}
	for _, m := range cs.members {
		m.WriteRaw(raw)
	}
	cs.removeUnsafe(s)
	return true
}

func (cs *ClientSet) indexOf(s *Session) int {
	for i, m := range cs.members {
		if m == s {
			return i
		}
	}
	return -1
}

func (cs *ClientSet) removeUnsafe(s *Session) bool {
	i := cs.indexOf(s)
	if i < 0 {
		return false
	}
	cs.members = append(cs.members[:i], cs.members[i+1:]...)
	return true
}

// playersPayload builds the PLAYER_LIST payload from a roster snapshot.
func playersPayload(members []*Session) map[string]interface{} {
	players := make([]interface{}, 0, len(members))
	for _, m := range members {
		if u := m.User(); u != nil {
			players = append(players, u.SafeJSON())
		}
	}
	return map[string]interface{}{"players": players}
}

func playerJoinedRaw(s *Session) []byte {
	return typedRaw("PLAYER_JOINED", userSafeJSON(s))
}

func playerLeftRaw(s *Session) []byte {
	return typedRaw("PLAYER_LEFT", userSafeJSON(s))
}

func userSafeJSON(s *Session) map[string]interface{} {
	if u := s.User(); u != nil {
		return u.SafeJSON()
	}
	return nil
}

func typedRaw(typ string, payload interface{}) []byte {
	raw, err := json.Marshal(typedMsg{Type: typ, Payload: payload})
	if err != nil {
		return nil
	}
	return raw
}

// broadcastEnvelope sends a server-originated envelope to the roster.
func broadcastEnvelope(cs *ClientSet, log *logrus.Entry, typ string, payload map[string]interface{}) {
	m := models.NewMessage(typ, payload, models.VisGlobal)
	raw, err := json.Marshal(m.SafeJSON())
	if err != nil {
		log.WithError(err).Error("marshaling broadcast envelope")
		return
	}
	cs.Broadcast(raw)
}

// broadcastTyped sends a bare {type, payload} frame to the roster.
func broadcastTyped(cs *ClientSet, log *logrus.Entry, typ string, payload interface{}) {
	raw, err := json.Marshal(typedMsg{Type: typ, Payload: payload})
	if err != nil {
		log.WithError(err).Error("marshaling broadcast")
		return
	}
	cs.Broadcast(raw)
}
