// internal/core/adminset.go
package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/XertroV/cgf-server/internal/models"
)

// AdminSet tracks the admin and mod uid lists for one scope, the kicked
// list persisted with the scope's doc, and the pending kicks consumed by
// the scope's read loop.
type AdminSet struct {
	mu     sync.Mutex
	admins []string
	mods   []string
	kicked []string
	toKick map[string]bool
}

func NewAdminSet(admins, mods, kicked []string) *AdminSet {
	return &AdminSet{
		admins: append([]string{}, admins...),
		mods:   append([]string{}, mods...),
		kicked: append([]string{}, kicked...),
		toKick: make(map[string]bool),
	}
}

func (a *AdminSet) IsAdmin(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return contains(a.admins, uid)
}

// IsMod reports mod-or-better: admins hold every mod permission.
func (a *AdminSet) IsMod(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return contains(a.mods, uid) || contains(a.admins, uid)
}

func (a *AdminSet) IsKicked(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return contains(a.kicked, uid)
}

func (a *AdminSet) MarkedForKick(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.toKick[uid]
}

// AddAdmin reports false when uid already holds the role.
func (a *AdminSet) AddAdmin(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.admins, uid) {
		return false
	}
	a.admins = append(a.admins, uid)
	return true
}

// RemoveAdmin reports false when uid did not hold the role.
func (a *AdminSet) RemoveAdmin(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, removed := without(a.admins, uid)
	a.admins = out
	return removed
}

func (a *AdminSet) AddMod(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.mods, uid) || contains(a.admins, uid) {
		return false
	}
	a.mods = append(a.mods, uid)
	return true
}

func (a *AdminSet) RemoveMod(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, removed := without(a.mods, uid)
	a.mods = out
	return removed
}

// MarkKick records uid on the durable kicked list and queues the lazy kick
// picked up by the scope read loop.
func (a *AdminSet) MarkKick(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !contains(a.kicked, uid) {
		a.kicked = append(a.kicked, uid)
	}
	a.toKick[uid] = true
}

// AutoAdmin makes uid an admin when the scope has none. Reports whether it
// did.
func (a *AdminSet) AutoAdmin(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.admins) > 0 {
		return false
	}
	a.admins = append(a.admins, uid)
	return true
}

func (a *AdminSet) Admins() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.admins...)
}

func (a *AdminSet) Mods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.mods...)
}

func (a *AdminSet) Kicked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.kicked...)
}

// Payload is the ADMIN_MOD_STATUS body.
func (a *AdminSet) Payload() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"admins": append([]string{}, a.admins...),
		"mods":   append([]string{}, a.mods...),
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func without(xs []string, x string) ([]string, bool) {
	removed := false
	out := xs[:0]
	for _, v := range xs {
		if v == x {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}

// consumeKick reports whether c has a pending kick in this scope. When it
// does, every resident is told and the caller pops c from the scope.
func consumeKick(c *Session, admins *AdminSet, clients *ClientSet) bool {
	u := c.User()
	if u == nil || !admins.MarkedForKick(u.UID) {
		return false
	}
	raw, _ := json.Marshal(map[string]string{"info": "Player Kicked: " + u.Name()})
	clients.Broadcast(raw)
	return true
}

// handleAdminMessage processes the admin command set shared by every scope.
// A changed admin or mod roster is persisted through persist and announced
// with an ADMIN_MOD_STATUS broadcast. Targets are resolved among the
// scope's residents; commands naming an absent uid do nothing. Reports
// whether the message was consumed.
func handleAdminMessage(c *Session, m *models.Message, admins *AdminSet, clients *ClientSet, persist func()) bool {
	switch m.Type {
	case "ADD_ADMIN", "RM_ADMIN", "ADD_MOD", "RM_MOD", "KICK_PLAYER":
	default:
		return false
	}
	actor := c.User()
	if actor == nil {
		return true
	}
	if m.Type == "KICK_PLAYER" {
		if !admins.IsMod(actor.UID) {
			c.TellWarning("Permission denied (Mod only)")
			return true
		}
	} else if !admins.IsAdmin(actor.UID) {
		c.TellWarning("Permission denied (Admin only)")
		return true
	}

	uid, _ := m.StrField("uid")
	target := clients.FindByUID(uid)
	if target == nil || target.User() == nil {
		return true
	}
	name := target.User().Name()

	changed := false
	switch m.Type {
	case "ADD_ADMIN":
		if !admins.AddAdmin(uid) {
			c.TellInfo(fmt.Sprintf("User %s is already an admin.", name))
			return true
		}
		changed = true
	case "RM_ADMIN":
		if !admins.RemoveAdmin(uid) {
			c.TellInfo(fmt.Sprintf("User %s is not an admin.", name))
			return true
		}
		c.TellInfo(fmt.Sprintf("User %s was removed as an admin.", name))
		changed = true
	case "ADD_MOD":
		if !admins.AddMod(uid) {
			c.TellInfo(fmt.Sprintf("User %s is already a mod.", name))
			return true
		}
		changed = true
	case "RM_MOD":
		if !admins.RemoveMod(uid) {
			c.TellInfo(fmt.Sprintf("User %s is not a mod.", name))
			return true
		}
		c.TellInfo(fmt.Sprintf("User %s was removed as a mod.", name))
		changed = true
	case "KICK_PLAYER":
		c.TellInfo(fmt.Sprintf("Kicking: %s...", name))
		admins.MarkKick(uid)
		persist()
		return true
	}
	if changed {
		persist()
		broadcastEnvelope(clients, c.log, "ADMIN_MOD_STATUS", admins.Payload())
	}
	return true
}
