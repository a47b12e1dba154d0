// internal/core/core_test.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/XertroV/cgf-server/internal/auth"
	"github.com/XertroV/cgf-server/internal/config"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/protocol"
	"github.com/XertroV/cgf-server/internal/users"
)

// fakeStore is an in-memory Store recording every write, with just enough
// read behavior for the controllers to revive state from it.
type fakeStore struct {
	mu       sync.Mutex
	messages []models.MessageDoc
	users    map[string]models.UserDoc
	lobbies  map[string]models.LobbyDoc
	rooms    map[string]models.RoomDoc
	games    map[string]models.GameSessionDoc
	events   map[string][]models.MessageDoc
	chat     map[string][]models.MessageDoc
	chatOrds map[string][]int64
	mapDocs  map[int64]models.Map

	gameSaves int
	roomSaves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]models.UserDoc),
		lobbies:  make(map[string]models.LobbyDoc),
		rooms:    make(map[string]models.RoomDoc),
		games:    make(map[string]models.GameSessionDoc),
		events:   make(map[string][]models.MessageDoc),
		chat:     make(map[string][]models.MessageDoc),
		chatOrds: make(map[string][]int64),
		mapDocs:  make(map[int64]models.Map),
	}
}

func (f *fakeStore) RecordMessage(doc models.MessageDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, doc)
}

func (f *fakeStore) SaveUser(doc models.UserDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[doc.UID] = doc
}

func (f *fakeStore) SaveLobby(doc models.LobbyDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lobbies[doc.Name] = doc
}

func (f *fakeStore) SaveRoom(doc models.RoomDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[doc.Name] = doc
	f.roomSaves++
}

func (f *fakeStore) SaveGame(doc models.GameSessionDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games[doc.Name] = doc
	f.gameSaves++
}

func (f *fakeStore) AppendGameEvent(gameUID string, seq int64, doc models.MessageDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[gameUID] = append(f.events[gameUID], doc)
}

func (f *fakeStore) AppendChat(ctype, cname string, ord int64, doc models.MessageDoc) {
	key := ctype + "|" + cname
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat[key] = append(f.chat[key], doc)
	f.chatOrds[key] = append(f.chatOrds[key], ord)
}

func (f *fakeStore) LoadRecentChat(ctx context.Context, ctype, cname string, limit int) ([]models.MessageDoc, int64, error) {
	key := ctype + "|" + cname
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := f.chat[key]
	if len(docs) > limit {
		docs = docs[len(docs)-limit:]
	}
	out := append([]models.MessageDoc{}, docs...)
	var nextOrd int64
	if ords := f.chatOrds[key]; len(ords) > 0 {
		nextOrd = ords[len(ords)-1] + 1
	}
	return out, nextOrd, nil
}

func (f *fakeStore) LoadLobby(ctx context.Context, name string) (*models.LobbyDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.lobbies[name]; ok {
		return &doc, nil
	}
	return nil, nil
}

func (f *fakeStore) LoadLobbies(ctx context.Context) ([]models.LobbyDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LobbyDoc, 0, len(f.lobbies))
	for _, doc := range f.lobbies {
		out = append(out, doc)
	}
	return out, nil
}

func (f *fakeStore) LoadRooms(ctx context.Context, lobby string, since float64) ([]models.RoomDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RoomDoc, 0)
	for _, doc := range f.rooms {
		if doc.Lobby == lobby && !doc.IsRetired && doc.CreationTs > since {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeStore) LoadRoom(ctx context.Context, name string) (*models.RoomDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.rooms[name]; ok {
		return &doc, nil
	}
	return nil, nil
}

func (f *fakeStore) RoomByJoinCode(ctx context.Context, code string) (*models.RoomDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.rooms {
		if doc.JoinCode == code {
			return &doc, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) LoadGame(ctx context.Context, room, lobby string, since float64) (*models.GameSessionDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *models.GameSessionDoc
	for _, doc := range f.games {
		doc := doc
		if doc.Room == room && doc.Lobby == lobby && doc.CreationTs > since {
			if newest == nil || doc.CreationTs > newest.CreationTs {
				newest = &doc
			}
		}
	}
	return newest, nil
}

func (f *fakeStore) LoadGameByName(ctx context.Context, name string) (*models.GameSessionDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.games[name]; ok {
		return &doc, nil
	}
	return nil, nil
}

func (f *fakeStore) LoadGameEvents(ctx context.Context, gameUID string) ([]models.MessageDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MessageDoc{}, f.events[gameUID]...), nil
}

func (f *fakeStore) LoadMapsByIDs(ctx context.Context, ids []int64) ([]models.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Map, 0, len(ids))
	for _, id := range ids {
		if m, ok := f.mapDocs[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) messageCount(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeStore) eventCount(game string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[game])
}

func (f *fakeStore) room(name string) (models.RoomDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.rooms[name]
	return doc, ok
}

func (f *fakeStore) gameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.games)
}

// fakeMaps hands out generated maps with stable ids and uids.
type fakeMaps struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeMaps) GetSomeMaps(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) <-chan *models.Map {
	out := make(chan *models.Map, n)
	f.mu.Lock()
	for i := 0; i < n; i++ {
		f.next++
		id := 1000 + f.next
		out <- &models.Map{
			TrackID:  id,
			TrackUID: fmt.Sprintf("uid-%d", id),
			Name:     fmt.Sprintf("Track %d", id),
		}
	}
	f.mu.Unlock()
	close(out)
	return out
}

// fakeVerifier resolves tokens from a fixed table.
type fakeVerifier struct {
	tokens map[string]auth.OpenplanetIdentity
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*auth.OpenplanetIdentity, error) {
	if ident, ok := f.tokens[token]; ok {
		return &ident, nil
	}
	return nil, fmt.Errorf("unknown token")
}

// fakeHosts records provisioning calls and returns a canned join link.
type fakeHosts struct {
	mu    sync.Mutex
	names []string
	uids  [][]string
	err   error
}

func (f *fakeHosts) ProvisionRoom(ctx context.Context, name string, mapUIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	f.uids = append(f.uids, mapUIDs)
	return "https://link.example/" + name, nil
}

func newTestDeps(t *testing.T) (*Deps, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	log := logrus.New()
	log.SetOutput(io.Discard)
	deps := &Deps{
		Cfg:      &config.Config{EnableLegacyAuth: true},
		Log:      log,
		Store:    store,
		Users:    users.NewDirectory(store, log),
		Maps:     &fakeMaps{},
		Registry: NewRegistry(),
	}
	return deps, store
}

// startMain brings up MainLobby without its tickers, which tests never wait
// long enough to observe.
func startMain(t *testing.T, deps *Deps) *Lobby {
	t.Helper()
	main, err := EnsureMainLobby(context.Background(), deps)
	require.NoError(t, err)
	return main
}

const wireTimeout = 5 * time.Second

// wireClient drives one live session over an in-memory pipe, speaking the
// real framed protocol.
type wireClient struct {
	t    *testing.T
	conn net.Conn
}

// dial starts a full session against deps and returns the client end.
func dial(t *testing.T, deps *Deps) *wireClient {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(deps, server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(wireTimeout):
			t.Error("session did not stop")
		}
	})
	return &wireClient{t: t, conn: client}
}

func (w *wireClient) close() { w.conn.Close() }

func (w *wireClient) sendEnvelope(typ string, payload map[string]interface{}, vis string) {
	w.t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	w.sendJSON(map[string]interface{}{"type": typ, "payload": payload, "visibility": vis})
}

func (w *wireClient) send(typ string, payload map[string]interface{}) {
	w.t.Helper()
	w.sendEnvelope(typ, payload, models.VisNone)
}

func (w *wireClient) sendJSON(v interface{}) {
	w.t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(w.t, err)
	require.NoError(w.t, w.conn.SetWriteDeadline(time.Now().Add(wireTimeout)))
	require.NoError(w.t, protocol.WriteFrame(w.conn, raw))
}

func (w *wireClient) sendText(s string) {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetWriteDeadline(time.Now().Add(wireTimeout)))
	require.NoError(w.t, protocol.WriteText(w.conn, s))
}

// read returns the next decoded frame, failing the test on END or timeout.
func (w *wireClient) read() map[string]interface{} {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(wireTimeout)))
	raw, err := protocol.ReadFrame(w.conn)
	require.NoError(w.t, err, "reading frame")
	if string(raw) == protocol.EndFrame {
		w.t.Fatal("connection ended mid-read")
	}
	var m map[string]interface{}
	require.NoError(w.t, json.Unmarshal(raw, &m), "decoding frame %q", raw)
	return m
}

// readEnd drains frames until the END control frame arrives.
func (w *wireClient) readEnd() {
	w.t.Helper()
	for i := 0; i < 100; i++ {
		require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(wireTimeout)))
		raw, err := protocol.ReadFrame(w.conn)
		require.NoError(w.t, err, "reading frame while draining to END")
		if string(raw) == protocol.EndFrame {
			return
		}
	}
	w.t.Fatal("no END frame arrived")
}

// expectSilence asserts no frame arrives within d.
func (w *wireClient) expectSilence(d time.Duration) {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(d)))
	raw, err := protocol.ReadFrame(w.conn)
	if err == nil {
		w.t.Fatalf("unexpected frame: %s", raw)
	}
	var nerr net.Error
	require.ErrorAs(w.t, err, &nerr)
	require.True(w.t, nerr.Timeout(), "read should time out, got %v", err)
}

// readType drains frames until one carries the wanted type.
func (w *wireClient) readType(typ string) map[string]interface{} {
	w.t.Helper()
	for i := 0; i < 100; i++ {
		m := w.read()
		if m["type"] == typ {
			return m
		}
	}
	w.t.Fatalf("no %s frame arrived", typ)
	return nil
}

// readNotice drains frames until one carries the wanted top-level key
// (info, warning, error, or scope) and returns its string value.
func (w *wireClient) readNotice(key string) string {
	w.t.Helper()
	for i := 0; i < 100; i++ {
		m := w.read()
		if v, ok := m[key].(string); ok {
			return v
		}
	}
	w.t.Fatalf("no %q notice arrived", key)
	return ""
}

func payloadOf(t *testing.T, m map[string]interface{}) map[string]interface{} {
	t.Helper()
	p, ok := m["payload"].(map[string]interface{})
	require.True(t, ok, "frame has no object payload: %v", m)
	return p
}

// register runs the legacy registration handshake and returns the uid and
// plaintext secret from the REGISTERED reply.
func (w *wireClient) register(name string) (uid, secret string) {
	w.t.Helper()
	w.send("REGISTER", map[string]interface{}{"username": name, "wsid": ""})
	p := payloadOf(w.t, w.readType("REGISTERED"))
	uid, _ = p["uid"].(string)
	secret, _ = p["secret"].(string)
	require.NotEmpty(w.t, uid)
	require.NotEmpty(w.t, secret)
	return uid, secret
}

// login runs the legacy login handshake.
func (w *wireClient) login(uid, name, secret string) {
	w.t.Helper()
	w.send("LOGIN", map[string]interface{}{"uid": uid, "username": name, "secret": secret})
	w.readType("LOGGED_IN")
}

// enterMain registers a fresh account and drains the main lobby entry, up
// to the client's own PLAYER_JOINED.
func (w *wireClient) enterMain(name string) (uid, secret string) {
	w.t.Helper()
	uid, secret = w.register(name)
	w.readType("PLAYER_JOINED")
	return uid, secret
}

// createRoom issues CREATE_ROOM and drains to the end of the room entry
// sequence, returning the ROOM_INFO payload.
func (w *wireClient) createRoom(req map[string]interface{}, vis string) map[string]interface{} {
	w.t.Helper()
	w.sendEnvelope("CREATE_ROOM", req, vis)
	info := payloadOf(w.t, w.readType("ROOM_INFO"))
	w.readType("PLAYER_JOINED")
	return info
}
