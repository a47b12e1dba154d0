package models

import (
	"sync"
)

// UserDoc is the persisted form of a User.
type UserDoc struct {
	UID            string  `json:"uid"`
	Name           string  `json:"name"`
	SecretHash     string  `json:"secret_hash"`
	RegistrationTs float64 `json:"registration_ts"`
	NLogins        int     `json:"n_logins"`
	LastSeen       float64 `json:"last_seen"`
	LastScope      string  `json:"last_scope"`
}

// User is a durable identity. The same account can be logged in from two
// clients at once, so mutable fields are guarded.
type User struct {
	UID            string
	RegistrationTs float64

	mu         sync.Mutex
	name       string
	secretHash string
	nLogins    int
	lastSeen   float64
	lastScope  string
}

// NewUser builds a fresh user record.
func NewUser(uid, name, secretHash string) *User {
	return &User{
		UID:            uid,
		RegistrationTs: NowTs(),
		name:           name,
		secretHash:     secretHash,
	}
}

// UserFromDoc rehydrates a stored user.
func UserFromDoc(d UserDoc) *User {
	return &User{
		UID:            d.UID,
		RegistrationTs: d.RegistrationTs,
		name:           d.Name,
		secretHash:     d.SecretHash,
		nLogins:        d.NLogins,
		lastSeen:       d.LastSeen,
		lastScope:      d.LastScope,
	}
}

// Doc snapshots the user for persistence.
func (u *User) Doc() UserDoc {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UserDoc{
		UID:            u.UID,
		Name:           u.name,
		SecretHash:     u.secretHash,
		RegistrationTs: u.RegistrationTs,
		NLogins:        u.nLogins,
		LastSeen:       u.lastSeen,
		LastScope:      u.lastScope,
	}
}

func (u *User) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.name
}

func (u *User) SetName(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.name = name
}

func (u *User) SecretHash() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.secretHash
}

// Touch records activity; every frame read from the client's connection counts.
func (u *User) Touch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastSeen = NowTs()
}

// LoginTouch records a successful login.
func (u *User) LoginTouch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nLogins++
	u.lastSeen = NowTs()
}

func (u *User) NLogins() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nLogins
}

func (u *User) LastSeen() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSeen
}

func (u *User) LastScope() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastScope
}

func (u *User) SetLastScope(scope string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastScope = scope
}

// SafeJSON is the public view of a user, embedded in rosters and chat.
func (u *User) SafeJSON() map[string]interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return map[string]interface{}{
		"uid":       u.UID,
		"username":  u.name,
		"last_seen": u.lastSeen,
	}
}

// UnsafeJSON additionally carries the plaintext secret. Only sent once, in
// the REGISTERED reply; the plaintext is never stored server-side.
func (u *User) UnsafeJSON(secret string) map[string]interface{} {
	j := u.SafeJSON()
	j["secret"] = secret
	return j
}
