// internal/core/lobby.go
package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/users"
)

// MainLobbyName is the one lobby every client lands in after login; all
// other lobbies hang off it.
const MainLobbyName = "MainLobby"

// Lobby is a named scope holding rooms. MainLobby and game lobbies are the
// same type; ParentLobby distinguishes them.
type Lobby struct {
	deps *Deps
	log  *logrus.Entry

	clients *ClientSet
	admins  *AdminSet
	chat    *ChatLog

	mu  sync.Mutex
	doc models.LobbyDoc
	ros map[string]*Room
}

// NewLobby builds a lobby around doc, loading its chat and unretired rooms.
// The caller registers it: AddLobby at startup, where a duplicate is a
// program fault, or AddLobbyIfAbsent on the revival paths, where a racing
// construction loses quietly.
func NewLobby(ctx context.Context, deps *Deps, doc models.LobbyDoc) *Lobby {
	l := &Lobby{
		deps:    deps,
		clients: NewClientSet(),
		admins:  NewAdminSet(doc.Admins, doc.Mods, doc.KickedPlayers),
		doc:     doc,
		ros:     make(map[string]*Room),
	}
	l.log = deps.Log.WithField("lobby", doc.Name)
	l.chat = NewChatLog("lobby", doc.Name, deps.Store, userResolver(deps.Users))
	l.chat.Load(ctx, l.log)
	l.loadRooms(ctx)
	return l
}

func (l *Lobby) Name() string { return l.doc.Name }

// IsMain reports whether this is the root lobby.
func (l *Lobby) IsMain() bool { return l.doc.ParentLobby == "" }

func (l *Lobby) scope() string {
	level := "1"
	if l.IsMain() {
		level = "0"
	}
	return level + "|" + l.doc.Name
}

// Start launches the lobby's background work: the info push, the age
// sweep, and every revived room's maintenance. ctx is the process context,
// not any one session's.
func (l *Lobby) Start(ctx context.Context) {
	go l.infoTicker(ctx)
	go l.sweepOldRooms(ctx)
	for _, r := range l.roomList() {
		r.Start(ctx)
	}
}

func (l *Lobby) loadRooms(ctx context.Context) {
	docs, err := l.deps.Store.LoadRooms(ctx, l.doc.Name, models.NowTs()-consts.RoomLoadWindow.Seconds())
	if err != nil {
		l.log.WithError(err).Warn("loading rooms failed")
		return
	}
	for _, doc := range docs {
		r := NewRoom(ctx, l.deps, l, doc)
		l.mu.Lock()
		l.ros[doc.Name] = r
		l.mu.Unlock()
	}
	l.log.WithField("n", len(docs)).Debug("loaded rooms")
}

func (l *Lobby) room(name string) *Room {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ros[name]
}

func (l *Lobby) roomList() []*Room {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Room, 0, len(l.ros))
	for _, r := range l.ros {
		out = append(out, r)
	}
	return out
}

// hasRoom reports whether name is still live here.
func (l *Lobby) hasRoom(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ros[name]
	return ok
}

// jsonInfo is the LOBBY_INFO payload: counts plus summaries of the public
// open rooms, oldest first.
func (l *Lobby) jsonInfo() map[string]interface{} {
	rooms := l.roomList()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreationTs() < rooms[j].CreationTs() })
	pub := make([]interface{}, 0)
	for _, r := range rooms {
		if r.IsPublic() && r.IsOpen() {
			pub = append(pub, r.infoJSON())
		}
	}
	l.mu.Lock()
	nRooms := len(l.ros)
	l.mu.Unlock()
	return map[string]interface{}{
		"name":           l.doc.Name,
		"n_clients":      l.clients.Len(),
		"n_rooms":        nRooms,
		"n_public_rooms": len(pub),
		"rooms":          pub,
	}
}

func (l *Lobby) sendLobbyInfo(c *Session) {
	c.WriteMessage("LOBBY_INFO", l.jsonInfo())
}

// sendLobbyList sends LOBBY_LIST; its payload is an array, unlike every
// other typed message.
func (l *Lobby) sendLobbyList(c *Session) {
	lobbies := l.deps.Registry.Lobbies()
	infos := make([]interface{}, 0, len(lobbies))
	for _, lb := range lobbies {
		infos = append(infos, lb.jsonInfo())
	}
	c.WriteMessage("LOBBY_LIST", infos)
}

// persist snapshots the durable fields and enqueues the save.
func (l *Lobby) persist() {
	l.mu.Lock()
	doc := l.doc
	l.mu.Unlock()
	doc.Admins = l.admins.Admins()
	doc.Mods = l.admins.Mods()
	doc.KickedPlayers = l.admins.Kicked()
	l.deps.Store.SaveLobby(doc)
}

// enter runs the join protocol for one client: scope frame, entry notices,
// state snapshots, then roster add and the join broadcast. Reports false,
// telling the client why, when entry is refused.
func (l *Lobby) enter(c *Session) bool {
	u := c.User()
	if u == nil {
		c.TellError("Not authenticated!")
		return false
	}
	if l.admins.IsKicked(u.UID) {
		c.TellError("You can't join again because you were already kicked.")
		return false
	}
	if l.clients.Has(c) {
		l.log.WithField("user", u.Name()).Warn("client tried to enter lobby twice")
		c.TellWarning("Tried to join lobby twice. This is probably a server bug.")
		return false
	}
	if l.admins.AutoAdmin(u.UID) {
		l.persist()
	}
	c.SetScope(l.scope())
	c.TellInfo("Entered Lobby: " + l.doc.Name)
	l.sendLobbyInfo(c)
	l.sendLobbyList(c)
	c.WriteMessage("ADMIN_MOD_STATUS", l.admins.Payload())
	sendRecentChat(c, l.chat)
	c.WriteMessage("PLAYER_LIST", playersPayload(l.clients.List()))
	l.clients.AddBroadcastJoined(c, playerJoinedRaw(c))
	return true
}

// handedOff removes c from the roster and tells everyone left behind. Safe
// to run twice; only the remove that finds c broadcasts.
func (l *Lobby) handedOff(c *Session) {
	l.clients.RemoveBroadcastLeft(c, playerLeftRaw(c))
}

// infoTicker pushes the LOBBY_INFO snapshot to every resident every 5 s.
func (l *Lobby) infoTicker(ctx context.Context) {
	for {
		if !sleepCtx(ctx.Done(), consts.InfoPushInterval) {
			return
		}
		if l.clients.Len() > 0 {
			broadcastTyped(l.clients, l.log, "LOBBY_INFO", l.jsonInfo())
		}
	}
}

// Handoff owns c's read loop while the client is in this lobby. The hint
// names resolve a rejoin: a lobby hop from the main lobby, then a room hop,
// then the room's game. It returns when the client leaves this lobby; the
// error is non-nil when the transport died.
func (l *Lobby) Handoff(ctx context.Context, c *Session, lobbyName, roomName, gameName string) error {
	if !l.enter(c) {
		return nil
	}
	defer l.handedOff(c)

	if lobbyName != "" && lobbyName != l.doc.Name {
		if err := l.handoffToLobby(ctx, c, lobbyName, roomName, gameName); err != nil {
			return err
		}
		if !l.clients.Has(c) {
			return nil
		}
	} else if roomName != "" {
		if r := l.room(roomName); r != nil {
			if err := l.handoffToRoom(ctx, c, r, gameName); err != nil {
				return err
			}
			if !l.clients.Has(c) {
				return nil
			}
		}
	}

	for {
		m, err := c.ReadValid()
		if err != nil {
			return err
		}
		if consumeKick(c, l.admins, l.clients) {
			return nil
		}
		if handleAdminMessage(c, m, l.admins, l.clients, l.persist) {
			continue
		}
		if handleChat(c, m, l.chat, l.clients) {
			continue
		}
		switch m.Type {
		case "CREATE_LOBBY":
			l.createLobby(ctx, c, m)
		case "JOIN_LOBBY":
			if err := l.joinLobby(ctx, c, m); err != nil {
				return err
			}
		case "LEAVE":
			return nil
		case "LIST_LOBBIES":
			l.sendLobbyList(c)
		case "CREATE_ROOM":
			if err := l.createRoom(ctx, c, m); err != nil {
				return err
			}
		case "JOIN_ROOM":
			if err := l.joinRoom(ctx, c, m); err != nil {
				return err
			}
		case "JOIN_CODE":
			if err := l.joinCode(ctx, c, m); err != nil {
				return err
			}
		default:
			l.log.WithField("type", m.Type).Debug("ignoring unknown lobby message")
		}
		if !l.clients.Has(c) {
			return nil
		}
	}
}

// handoffToLobby moves c to dest for the duration of dest's Handoff, then
// re-enters c here. Only the main lobby may hand off downward.
func (l *Lobby) handoffToLobby(ctx context.Context, c *Session, name, roomName, gameName string) error {
	dest := l.namedLobby(ctx, name)
	if dest == nil {
		c.TellError("Cannot find lobby named: " + name)
		return nil
	}
	if !l.IsMain() {
		c.TellWarning("Can only hand off to game lobby from the main lobby")
		return nil
	}
	l.handedOff(c)
	err := dest.Handoff(ctx, c, "", roomName, gameName)
	if err != nil || c.Disconnected() {
		return err
	}
	l.enter(c)
	return nil
}

// handoffToRoom parks c in r until the client leaves it, then re-enters c
// here. Any lobby may host rooms.
func (l *Lobby) handoffToRoom(ctx context.Context, c *Session, r *Room, gameName string) error {
	l.handedOff(c)
	err := r.Handoff(ctx, c, gameName)
	if err != nil || c.Disconnected() {
		return err
	}
	l.enter(c)
	return nil
}

// namedLobby resolves a lobby by name, reviving it from the store when it
// is not live. Registration races resolve to whichever instance won.
func (l *Lobby) namedLobby(ctx context.Context, name string) *Lobby {
	if lb := l.deps.Registry.Lobby(name); lb != nil {
		return lb
	}
	doc, err := l.deps.Store.LoadLobby(ctx, name)
	if err != nil {
		l.log.WithError(err).WithField("name", name).Warn("loading lobby failed")
		return nil
	}
	if doc == nil {
		return nil
	}
	lb := NewLobby(ctx, l.deps, *doc)
	winner := l.deps.Registry.AddLobbyIfAbsent(lb)
	if winner == lb {
		lb.Start(ctx)
	}
	return winner
}

func (l *Lobby) createLobby(ctx context.Context, c *Session, m *models.Message) {
	u := c.User()
	if u == nil {
		c.TellError("Not authenticated!")
		return
	}
	if !l.IsMain() {
		c.TellWarning("Can only create a lobby from the main lobby.")
		return
	}
	name, _ := m.StrField("name")
	if name == "" {
		c.TellError("Lobby name required.")
		return
	}
	if l.deps.Registry.Lobby(name) != nil {
		c.TellError(fmt.Sprintf("Lobby named %s already exists.", name))
		return
	}
	if doc, err := l.deps.Store.LoadLobby(ctx, name); err == nil && doc != nil {
		c.TellError(fmt.Sprintf("Lobby named %s already exists.", name))
		return
	}
	doc := models.LobbyDoc{
		UID:         users.GenUID(10),
		Name:        name,
		ParentLobby: l.doc.Name,
		IsPublic:    true,
		Admins:      []string{u.UID},
		CreationTs:  models.NowTs(),
	}
	l.deps.Store.SaveLobby(doc)
	lb := NewLobby(ctx, l.deps, doc)
	if l.deps.Registry.AddLobbyIfAbsent(lb) == lb {
		lb.Start(ctx)
	}
	c.TellInfo(fmt.Sprintf("Lobby named %s created successfully.", name))
}

func (l *Lobby) joinLobby(ctx context.Context, c *Session, m *models.Message) error {
	name, _ := m.StrField("name")
	if name == l.doc.Name {
		c.TellInfo(fmt.Sprintf("You are already in the %s lobby.", name))
		return nil
	}
	return l.handoffToLobby(ctx, c, name, "", "")
}

func (l *Lobby) joinRoom(ctx context.Context, c *Session, m *models.Message) error {
	name, _ := m.StrField("name")
	r := l.room(name)
	if r == nil || !r.IsPublic() {
		c.TellWarning("Room not found or is not public: " + name)
		return nil
	}
	return l.handoffToRoom(ctx, c, r, "")
}

// joinCode resolves a room by its durable join code; the room must still be
// live in this lobby.
func (l *Lobby) joinCode(ctx context.Context, c *Session, m *models.Message) error {
	code, _ := m.StrField("code")
	var r *Room
	if code != "" {
		doc, err := l.deps.Store.RoomByJoinCode(ctx, code)
		if err != nil {
			l.log.WithError(err).Warn("join code lookup failed")
		} else if doc != nil {
			r = l.room(doc.Name)
		}
	}
	if r == nil {
		c.TellWarning("Cannot find room with join code: " + code)
		return nil
	}
	return l.handoffToRoom(ctx, c, r, "")
}

// createRoom validates CREATE_ROOM, builds the room, announces it, and
// hands the creator off into it.
func (l *Lobby) createRoom(ctx context.Context, c *Session, m *models.Message) error {
	u := c.User()
	if u == nil {
		c.TellError("Not authenticated!")
		return nil
	}
	name, _ := m.StrField("name")
	name = name + "##" + users.GenUID(4)

	playerLimit := clampPayloadInt(m, "player_limit", consts.MinPlayers, consts.MaxPlayers)
	nTeams := clampPayloadInt(m, "n_teams", consts.MinTeams, consts.MaxTeams)
	if nTeams > playerLimit {
		c.TellError("Cannot create a room with more teams than players.")
		return nil
	}
	mapsRequired := clampPayloadInt(m, "maps_required", consts.MinMaps, consts.MaxMaps)
	minSecs := clampPayloadInt(m, "min_secs", consts.MinSecs, consts.MaxSecs)
	maxSecs := clampPayloadInt(m, "max_secs", consts.MinSecs, consts.MaxSecs)
	if maxSecs < minSecs {
		c.TellError("max map length less than min map length")
		return nil
	}
	maxDifficulty := consts.DefaultDifficulty
	if _, ok := m.Payload["max_difficulty"]; ok {
		maxDifficulty = clampPayloadInt(m, "max_difficulty", 0, consts.MaxDifficulty)
	}
	gameOpts, err := parseGameOpts(m.Payload["game_opts"])
	if err != nil {
		c.TellError(err.Error())
		return nil
	}

	doc := models.RoomDoc{
		Name:          name,
		Lobby:         l.doc.Name,
		IsPublic:      m.Visibility == models.VisGlobal,
		IsOpen:        true,
		JoinCode:      users.GenJoinCode(),
		GameStartTime: -1,
		PlayerLimit:   playerLimit,
		NTeams:        nTeams,
		MapsRequired:  mapsRequired,
		MinSecs:       minSecs,
		MaxSecs:       maxSecs,
		MaxDifficulty: maxDifficulty,
		GameOpts:      gameOpts,
		Admins:        []string{u.UID},
		CreationTs:    models.NowTs(),
	}
	l.deps.Store.SaveRoom(doc)

	r := NewRoom(ctx, l.deps, l, doc)
	l.mu.Lock()
	l.ros[name] = r
	l.mu.Unlock()
	r.Start(ctx)

	broadcastEnvelope(l.clients, l.log, "NEW_ROOM", r.infoJSON())
	c.WriteMessage("ROOM_INFO", r.createdJSON())
	return l.handoffToRoom(ctx, c, r, "")
}

// RoomStatusChanged pushes a ROOM_UPDATE notice to the lobby's residents.
func (l *Lobby) RoomStatusChanged(r *Room) {
	broadcastEnvelope(l.clients, l.log, "ROOM_UPDATE", map[string]interface{}{
		"name":      r.Name(),
		"n_players": r.clients.Len(),
	})
}

// RetireRoom drops a room from the registry, marks it closed for good, and
// tells the lobby. Idempotent.
func (l *Lobby) RetireRoom(r *Room) {
	l.mu.Lock()
	_, present := l.ros[r.Name()]
	delete(l.ros, r.Name())
	l.mu.Unlock()
	if !present && r.Retired() {
		return
	}
	l.log.WithField("room", r.Name()).Info("retiring room")
	r.retire()
	broadcastEnvelope(l.clients, l.log, "ROOM_RETIRED", map[string]interface{}{"name": r.Name()})
}

// sweepOldRooms retires rooms past the age cap on a fixed cadence.
func (l *Lobby) sweepOldRooms(ctx context.Context) {
	if !sleepCtx(ctx.Done(), consts.RoomSweepInitialDelay) {
		return
	}
	for {
		cutoff := models.NowTs() - consts.RoomMaxAge.Seconds()
		for _, r := range l.roomList() {
			if r.CreationTs() < cutoff {
				l.RetireRoom(r)
				l.log.WithField("room", r.Name()).Info("removed old room")
			}
		}
		if !sleepCtx(ctx.Done(), consts.RoomSweepInterval) {
			return
		}
	}
}

// clampPayloadInt reads an integer payload field, clamping into [lo, hi].
// Absent or non-numeric fields read as the minimum.
func clampPayloadInt(m *models.Message, key string, lo, hi int) int {
	n, _ := m.NumField(key)
	v := int(n)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parseGameOpts validates the game_opts payload field: a flat map whose
// values must be scalars. Values are coerced to strings for storage.
func parseGameOpts(v interface{}) (map[string]string, error) {
	out := make(map[string]string)
	if v == nil {
		return out, nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("Invalid format for game_opts.")
	}
	for k, val := range raw {
		switch tv := val.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		case nil:
			out[k] = ""
		default:
			return nil, fmt.Errorf("Invalid k,v pair in game opts: `%s: %v`", k, val)
		}
	}
	return out, nil
}

// EnsureMainLobby brings up MainLobby: from the registry if live, else from
// the store, else freshly created.
func EnsureMainLobby(ctx context.Context, deps *Deps) (*Lobby, error) {
	if lb := deps.Registry.Lobby(MainLobbyName); lb != nil {
		deps.Registry.SetMain(lb)
		return lb, nil
	}
	doc, err := deps.Store.LoadLobby(ctx, MainLobbyName)
	if err != nil {
		return nil, fmt.Errorf("loading main lobby: %w", err)
	}
	if doc == nil {
		doc = &models.LobbyDoc{
			UID:        users.GenUID(10),
			Name:       MainLobbyName,
			IsPublic:   true,
			CreationTs: models.NowTs(),
		}
		deps.Store.SaveLobby(*doc)
	}
	lb := NewLobby(ctx, deps, *doc)
	deps.Registry.AddLobby(lb)
	deps.Registry.SetMain(lb)
	return lb, nil
}

// BootstrapLobbies revives every stored lobby and guarantees MainLobby
// exists, returning it.
func BootstrapLobbies(ctx context.Context, deps *Deps) (*Lobby, error) {
	docs, err := deps.Store.LoadLobbies(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading lobbies: %w", err)
	}
	for _, doc := range docs {
		if deps.Registry.Lobby(doc.Name) != nil {
			continue
		}
		deps.Registry.AddLobby(NewLobby(ctx, deps, doc))
	}
	main, err := EnsureMainLobby(ctx, deps)
	if err != nil {
		return nil, err
	}
	for _, lb := range deps.Registry.Lobbies() {
		lb.Start(ctx)
	}
	return main, nil
}
