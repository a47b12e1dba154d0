// internal/core/session.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/protocol"
	"github.com/XertroV/cgf-server/internal/users"
)

const (
	// maxQueuedBytes bounds a session's pending writes. A client that stops
	// draining is dropped rather than left to stall broadcast fan-out.
	maxQueuedBytes = 32 << 20

	writeTimeout = 30 * time.Second
	endTimeout   = 2 * time.Second
)

// typedMsg is the bare {type, payload} outbound frame shape.
type typedMsg struct {
	Type       string      `json:"type"`
	Payload    interface{} `json:"payload"`
	Visibility string      `json:"visibility,omitempty"`
}

// Session drives one TCP connection: framing, handshake, scope hand-offs,
// and a queued single-writer outbound path. All Write* methods are safe from
// any goroutine; reads happen only on the session's own loop.
type Session struct {
	deps *Deps
	conn net.Conn
	log  *logrus.Entry

	sid string

	mu       sync.Mutex
	user     *models.User
	prevSeen float64

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   [][]byte
	queued  int
	closing bool

	done     chan struct{}
	stopOnce sync.Once
}

func NewSession(deps *Deps, conn net.Conn) *Session {
	s := &Session{
		deps: deps,
		conn: conn,
		sid:  users.GenUID(16),
		done: make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)
	s.log = deps.Log.WithFields(logrus.Fields{
		"sid":  s.sid[:8],
		"addr": conn.RemoteAddr().String(),
	})
	return s
}

// UID is the per-connection id, distinct from the user's uid and stable for
// the session's lifetime.
func (s *Session) UID() string { return s.sid }

// User returns the authenticated user, nil before the handshake completes.
func (s *Session) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setUser(u *models.User, prevSeen float64) {
	s.mu.Lock()
	s.user = u
	s.prevSeen = prevSeen
	s.log = s.log.WithField("user", u.Name())
	s.mu.Unlock()
}

// logger is for goroutines other than the session's own loop; the entry
// gains a user field at login.
func (s *Session) logger() *logrus.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// Run owns the connection from accept to teardown: greeting, handshake,
// rejoin resolution, then the scope hand-off chain until the client leaves
// or the transport dies. Unexpected failures from any scope handler are
// caught here; the client is told once and dropped.
func (s *Session) Run(ctx context.Context) {
	s.deps.Registry.AddSession(s)
	defer s.deps.Registry.RemoveSession(s)
	defer s.Disconnect()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("session handler panicked")
			s.TellError("Unknown server error.")
		}
	}()

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Disconnect()
		case <-s.done:
		}
	}()

	s.sendServerInfo()

	if err := s.handshake(ctx); err != nil {
		s.log.WithError(err).Debug("connection ended before login")
		return
	}
	go s.serverInfoLoop()

	main := s.deps.Registry.Main()
	if main == nil {
		s.log.Error("no main lobby registered")
		s.TellError("Unknown server error.")
		return
	}
	lobbyName, roomName, gameName := s.rejoinTarget(ctx)
	if err := main.Handoff(ctx, s, lobbyName, roomName, gameName); err != nil {
		s.log.WithError(err).Debug("session ended")
	}
}

// handshake loops one login attempt per inbound message until a flow
// succeeds. Wrong types and failed attempts get an error reply and another
// chance.
func (s *Session) handshake(ctx context.Context) error {
	for {
		m, err := s.ReadValid()
		if err != nil {
			return err
		}
		var u *models.User
		checked := false
		switch m.Type {
		case "LOGIN_TOKEN":
			checked = true
			u = s.loginToken(ctx, m)
		case "LOGIN":
			if s.deps.Cfg.EnableLegacyAuth {
				checked = true
				u = s.loginLegacy(m)
			}
		case "REGISTER":
			if s.deps.Cfg.EnableLegacyAuth {
				checked = true
				u = s.register(m)
			}
		}
		if u == nil {
			if !checked {
				if s.deps.Cfg.EnableLegacyAuth {
					s.TellError("Invalid type, must be LOGIN, LOGIN_TOKEN, or REGISTER")
				} else {
					s.TellError("Invalid type, must be LOGIN_TOKEN")
				}
			} else {
				s.TellError("Login failed")
			}
			continue
		}
		// The pre-login last_seen bounds the rejoin window; capture it
		// before the login stamps a fresh one.
		prevSeen := u.LastSeen()
		u.LoginTouch()
		s.setUser(u, prevSeen)
		s.deps.Users.Save(u)
		s.log.WithField("uid", u.UID).Info("client logged in")
		return nil
	}
}

func (s *Session) loginToken(ctx context.Context, m *models.Message) *models.User {
	if s.deps.Verifier == nil {
		s.log.Warn("LOGIN_TOKEN received but no verifier is configured")
		return nil
	}
	token, _ := m.StrField("t")
	if token == "" {
		return nil
	}
	ident, err := s.deps.Verifier.Verify(ctx, token)
	if err != nil {
		s.log.WithError(err).Warn("token verification failed")
		return nil
	}
	u := s.deps.Users.LoginToken(ident.AccountID, ident.DisplayName)
	s.WriteJSON(map[string]interface{}{
		"type":         "LOGGED_IN",
		"uid":          u.UID,
		"account_id":   ident.AccountID,
		"display_name": ident.DisplayName,
	})
	return u
}

func (s *Session) loginLegacy(m *models.Message) *models.User {
	uid, _ := m.StrField("uid")
	name, _ := m.StrField("username")
	secret, _ := m.StrField("secret")
	u, ok := s.deps.Users.Authenticate(uid, name, secret)
	if !ok {
		return nil
	}
	s.WriteJSON(map[string]string{"type": "LOGGED_IN"})
	return u
}

func (s *Session) register(m *models.Message) *models.User {
	name, _ := m.StrField("username")
	wsid, _ := m.StrField("wsid")
	if name == "" {
		return nil
	}
	u, secret, err := s.deps.Users.Register(name, wsid)
	if err != nil {
		s.log.WithError(err).Warn("registration failed")
		return nil
	}
	s.WriteJSON(map[string]interface{}{
		"type":    "REGISTERED",
		"payload": u.UnsafeJSON(secret),
	})
	return u
}

// rejoinTarget resolves the user's last scope into hand-off hints. Room and
// game scopes restore their ancestry from the store; a dead hop leaves the
// walk at whatever resolved above it.
func (s *Session) rejoinTarget(ctx context.Context) (lobbyName, roomName, gameName string) {
	u := s.User()
	if u == nil {
		return "", "", ""
	}
	scope := u.LastScope()
	s.mu.Lock()
	prevSeen := s.prevSeen
	s.mu.Unlock()
	if len(scope) < 3 || prevSeen <= models.NowTs()-consts.RejoinWindow.Seconds() {
		return "", "", ""
	}
	s.log.WithField("last_scope", scope).Info("rejoining user to last scope")
	level, name := scope[:1], scope[2:]
	switch level {
	case "0":
	case "1":
		lobbyName = name
	case "2":
		roomName = name
		if doc, err := s.deps.Store.LoadRoom(ctx, name); err == nil && doc != nil {
			lobbyName = doc.Lobby
		}
	case "3":
		gameName = name
		if doc, err := s.deps.Store.LoadGameByName(ctx, name); err == nil && doc != nil {
			lobbyName = doc.Lobby
			roomName = doc.Room
		}
	default:
		s.log.WithField("last_scope", scope).Warn("unknown scope level in last_scope")
	}
	return lobbyName, roomName, gameName
}

// ReadValid blocks until one validated message arrives. Every frame read
// counts as user activity, PING frames are consumed, END surfaces as
// protocol.ErrPeerClosed, and envelopes failing validation are reported to
// the client and skipped. Validated non-login messages are recorded before
// they are handed to the caller.
func (s *Session) ReadValid() (*models.Message, error) {
	for {
		raw, err := protocol.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		if u := s.User(); u != nil {
			u.Touch()
		}
		text := string(raw)
		if text == protocol.PingFrame {
			continue
		}
		if text == protocol.EndFrame {
			return nil, protocol.ErrPeerClosed
		}
		m, err := protocol.ParseEnvelope(raw)
		if err != nil {
			var bad *protocol.BadPayloadError
			if errors.As(err, &bad) {
				s.TellError(bad.Reason)
			} else {
				s.TellError("Unable to read message. " + err.Error())
			}
			continue
		}
		m.From = s.User()
		if !strings.HasPrefix(m.Type, "LOGIN") {
			s.deps.Store.RecordMessage(m.Doc())
		}
		return m, nil
	}
}

// WriteRaw enqueues one frame for the writer goroutine. Oversize frames are
// dropped with a log; a queue past maxQueuedBytes drops the client.
func (s *Session) WriteRaw(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if len(raw) > protocol.MaxFrameLen {
		s.logger().WithField("len", len(raw)).Error("dropping oversize outbound frame")
		return
	}
	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, raw)
	s.queued += len(raw)
	queued := s.queued
	s.qmu.Unlock()
	s.qcond.Signal()
	if queued > maxQueuedBytes {
		s.logger().WithField("queued_bytes", queued).Warn("write queue overflowed, dropping client")
		s.Disconnect()
	}
}

func (s *Session) WriteJSON(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("marshaling outbound frame")
		return
	}
	s.WriteRaw(raw)
}

// WriteMessage sends a bare {type, payload} frame.
func (s *Session) WriteMessage(typ string, payload interface{}) {
	s.WriteJSON(typedMsg{Type: typ, Payload: payload})
}

// WriteMessageVis sends {type, payload, visibility}.
func (s *Session) WriteMessageVis(typ string, payload interface{}, visibility string) {
	s.WriteJSON(typedMsg{Type: typ, Payload: payload, Visibility: visibility})
}

// WriteEnvelope sends a message in its full broadcast form.
func (s *Session) WriteEnvelope(m *models.Message) {
	s.WriteJSON(m.SafeJSON())
}

func (s *Session) TellError(text string) {
	s.log.WithField("text", text).Warn("sending error to client")
	s.WriteJSON(map[string]string{"error": text})
}

func (s *Session) TellWarning(text string) {
	s.log.WithField("text", text).Warn("sending warning to client")
	s.WriteJSON(map[string]string{"warning": text})
}

func (s *Session) TellInfo(text string) {
	s.log.WithField("text", text).Debug("sending info to client")
	s.WriteJSON(map[string]string{"info": text})
}

// SetScope tells the client its new scope and mirrors it to the user record
// for rejoin.
func (s *Session) SetScope(scope string) {
	if s.Disconnected() {
		return
	}
	s.WriteJSON(map[string]string{"scope": scope})
	if u := s.User(); u != nil {
		u.SetLastScope(scope)
		s.deps.Users.Save(u)
	}
}

func (s *Session) sendServerInfo() {
	s.WriteJSON(map[string]interface{}{
		"server": map[string]interface{}{
			"version":   consts.Version,
			"n_clients": s.deps.Registry.NClients(),
		},
	})
}

func (s *Session) serverInfoLoop() {
	t := time.NewTicker(consts.InfoPushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.sendServerInfo()
		}
	}
}

// writeLoop is the sole writer on conn. It drains the queue in batches; on
// shutdown it flushes what is left, sends END, and closes the socket.
func (s *Session) writeLoop() {
	defer s.conn.Close()
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.qcond.Wait()
		}
		batch := s.queue
		s.queue = nil
		s.queued = 0
		closing := s.closing
		s.qmu.Unlock()

		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		for _, raw := range batch {
			if err := protocol.WriteFrame(s.conn, raw); err != nil {
				s.logger().WithError(err).Debug("write failed")
				s.Disconnect()
				return
			}
		}
		if closing {
			s.conn.SetWriteDeadline(time.Now().Add(endTimeout))
			_ = protocol.WriteText(s.conn, protocol.EndFrame)
			return
		}
	}
}

// Disconnect begins teardown: new writes are refused, the writer drains and
// closes, and Done is closed. Safe to call repeatedly from any goroutine.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.qmu.Lock()
		s.closing = true
		s.qmu.Unlock()
		s.qcond.Signal()
	})
}

// Done closes when the session starts tearing down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Disconnected() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
