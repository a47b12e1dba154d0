// internal/users/directory.go
package users

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/auth"
	"github.com/XertroV/cgf-server/internal/models"
)

// Saver persists user docs. Satisfied by the database store; tests swap in
// a recorder.
type Saver interface {
	SaveUser(doc models.UserDoc)
}

// Directory keeps every known user in memory. The full set is loaded once
// at startup; thereafter the database only sees writes.
type Directory struct {
	saver Saver
	log   *logrus.Logger

	mu    sync.Mutex
	byUID map[string]*models.User
}

// NewDirectory builds an empty directory.
func NewDirectory(saver Saver, log *logrus.Logger) *Directory {
	return &Directory{
		saver: saver,
		log:   log,
		byUID: make(map[string]*models.User),
	}
}

// Load populates the directory from stored docs.
func (d *Directory) Load(docs []models.UserDoc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, doc := range docs {
		d.byUID[doc.UID] = models.UserFromDoc(doc)
	}
	d.log.Infof("loaded %d users", len(d.byUID))
}

// Count returns the number of known users.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byUID)
}

// Get returns the user with uid, if known.
func (d *Directory) Get(uid string) (*models.User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byUID[uid]
	return u, ok
}

// Save pushes the user's current state to storage.
func (d *Directory) Save(u *models.User) {
	d.saver.SaveUser(u.Doc())
}

// Authenticate checks a legacy uid/name/secret triple. All three must
// match; the caller decides what to tell the client.
func (d *Directory) Authenticate(uid, name, secret string) (*models.User, bool) {
	u, ok := d.Get(uid)
	if !ok || u.Name() != name {
		return nil, false
	}
	match, err := auth.CompareSecretAndHash(secret, u.SecretHash())
	if err != nil {
		d.log.WithFields(logrus.Fields{"uid": uid, "error": err}).Warn("unreadable secret hash")
		return nil, false
	}
	if !match {
		return nil, false
	}
	return u, true
}

// Register creates a legacy account and returns the plaintext secret, which
// is shown to the client exactly once.
func (d *Directory) Register(name, wsid string) (*models.User, string, error) {
	secret, err := auth.GenSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hashing secret: %w", err)
	}

	d.mu.Lock()
	uid := GenLegacyUID(name, wsid)
	for _, taken := d.byUID[uid]; taken; _, taken = d.byUID[uid] {
		uid = GenLegacyUID(name, wsid)
	}
	u := models.NewUser(uid, name, hash)
	d.byUID[uid] = u
	d.mu.Unlock()

	d.saver.SaveUser(u.Doc())
	return u, secret, nil
}

// LoginToken resolves a platform account to its user, creating the record
// on first sight and following display name changes.
func (d *Directory) LoginToken(accountID, displayName string) *models.User {
	uid := UIDFromAccountID(accountID)

	d.mu.Lock()
	u, ok := d.byUID[uid]
	if !ok {
		u = models.NewUser(uid, displayName, "")
		d.byUID[uid] = u
	}
	d.mu.Unlock()

	if u.Name() != displayName {
		u.SetName(displayName)
	}
	d.saver.SaveUser(u.Doc())
	return u
}
