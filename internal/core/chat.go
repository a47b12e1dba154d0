// internal/core/chat.go
package core

import (
	"context"
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/users"
)

// Wire strings for SEND_CHAT validation.
const (
	msgChatKeys    = "Chat message expects payload with only the `content` key."
	msgChatContent = "Chat message content wrong type or too long (limit: 1024)"
)

// ChatLog is the persisted chat for one scope, holding the in-memory tail
// replayed to arriving clients. Appends assign a monotonic ord per
// container, continuing from whatever was already stored.
type ChatLog struct {
	ctype   string
	cname   string
	store   Store
	resolve func(uid string) *models.User

	mu      sync.Mutex
	recent  []*models.Message
	nextOrd int64
}

func NewChatLog(ctype, cname string, store Store, resolve func(string) *models.User) *ChatLog {
	return &ChatLog{ctype: ctype, cname: cname, store: store, resolve: resolve}
}

// userResolver adapts the directory for chat sender rehydration.
func userResolver(d *users.Directory) func(string) *models.User {
	return func(uid string) *models.User {
		u, _ := d.Get(uid)
		return u
	}
}

// Load pulls the stored tail. Failures leave an empty log; chat history is
// not worth refusing a scope over.
func (cl *ChatLog) Load(ctx context.Context, log *logrus.Entry) {
	docs, nextOrd, err := cl.store.LoadRecentChat(ctx, cl.ctype, cl.cname, consts.RecentChatLen)
	if err != nil {
		log.WithError(err).Warn("loading chat history failed")
		return
	}
	msgs := make([]*models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, models.MessageFromDoc(d, cl.resolve(d.UserUID)))
	}
	cl.mu.Lock()
	cl.recent = msgs
	cl.nextOrd = nextOrd
	cl.mu.Unlock()
	log.WithField("n", len(msgs)).Debug("loaded recent chat")
}

// Append stores m and keeps it on the tail, evicting the oldest lines past
// the tail length.
func (cl *ChatLog) Append(m *models.Message) {
	cl.mu.Lock()
	for len(cl.recent) >= consts.RecentChatLen {
		cl.recent = cl.recent[1:]
	}
	cl.recent = append(cl.recent, m)
	ord := cl.nextOrd
	cl.nextOrd++
	cl.mu.Unlock()
	cl.store.AppendChat(cl.ctype, cl.cname, ord, m.Doc())
}

// Recent returns the tail, oldest first.
func (cl *ChatLog) Recent() []*models.Message {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]*models.Message, len(cl.recent))
	copy(out, cl.recent)
	return out
}

// sendRecentChat replays the tail to one client as full envelopes.
func sendRecentChat(c *Session, chat *ChatLog) {
	for _, m := range chat.Recent() {
		c.WriteEnvelope(m)
	}
}

// handleChat processes SEND_CHAT for any scope: validate, record, and echo
// to the whole roster, the sender included. Reports whether the message was
// consumed.
func handleChat(c *Session, m *models.Message, chat *ChatLog, clients *ClientSet) bool {
	if m.Type != "SEND_CHAT" {
		return false
	}
	if m.From == nil {
		return true
	}
	if len(m.Payload) != 1 {
		c.TellError(msgChatKeys)
		return true
	}
	v, ok := m.Payload["content"]
	if !ok {
		c.TellError(msgChatKeys)
		return true
	}
	content, ok := v.(string)
	if !ok || utf8.RuneCountInString(content) > consts.MaxChatLen {
		c.TellError(msgChatContent)
		return true
	}
	chat.Append(m)
	raw, err := json.Marshal(m.SafeJSON())
	if err != nil {
		c.log.WithError(err).Error("marshaling chat broadcast")
		return true
	}
	clients.Broadcast(raw)
	return true
}
