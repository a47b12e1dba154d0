// internal/core/room.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/users"
)

// Room is the scope where a game is assembled: players pick teams, mark
// themselves ready, and ride the countdown into the game. A room owns at
// most one Game for its whole life.
type Room struct {
	deps  *Deps
	log   *logrus.Entry
	lobby *Lobby

	clients *ClientSet
	admins  *AdminSet
	chat    *ChatLog

	// initDone closes once the game and map loads have finished; entry and
	// game promotion wait on it.
	initDone chan struct{}

	mu         sync.Mutex
	doc        models.RoomDoc
	teams      [][]string // uids per team
	ready      map[string]bool
	forced     bool
	game       *Game
	maps       map[int64]*models.Map
	mapsLoaded bool
}

// NewRoom builds a room around doc. Chat loads synchronously; the game and
// map loads run once Start is called.
func NewRoom(ctx context.Context, deps *Deps, l *Lobby, doc models.RoomDoc) *Room {
	r := &Room{
		deps:     deps,
		lobby:    l,
		clients:  NewClientSet(),
		admins:   NewAdminSet(doc.Admins, doc.Mods, doc.KickedPlayers),
		initDone: make(chan struct{}),
		doc:      doc,
		teams:    make([][]string, doc.NTeams),
		ready:    make(map[string]bool),
		maps:     make(map[int64]*models.Map),
	}
	r.log = deps.Log.WithFields(logrus.Fields{"lobby": doc.Lobby, "room": doc.Name})
	r.chat = NewChatLog("room", doc.Name, deps.Store, userResolver(deps.Users))
	r.chat.Load(ctx, r.log)
	return r
}

// Start launches the room's background work. ctx is the process context.
func (r *Room) Start(ctx context.Context) {
	go r.initLoads(ctx)
	go r.infoTicker(ctx)
	go r.watchEmpty(ctx)
}

// Name, CreationTs, and the identity fields are fixed at creation and safe
// to read without the lock.
func (r *Room) Name() string        { return r.doc.Name }
func (r *Room) CreationTs() float64 { return r.doc.CreationTs }
func (r *Room) IsPublic() bool      { return r.doc.IsPublic }
func (r *Room) gameOpts() map[string]string { return r.doc.GameOpts }

func (r *Room) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.IsOpen
}

func (r *Room) Retired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.IsRetired
}

func (r *Room) MapsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapsLoaded
}

// retire marks the room closed for good and persists it. The lobby does the
// deregistration and the announcement.
func (r *Room) retire() {
	r.mu.Lock()
	if r.doc.IsRetired {
		r.mu.Unlock()
		return
	}
	r.doc.IsOpen = false
	r.doc.IsRetired = true
	doc := r.docUnsafe()
	r.mu.Unlock()
	r.deps.Store.SaveRoom(doc)
}

// docUnsafe snapshots the durable fields; the caller holds mu.
func (r *Room) docUnsafe() models.RoomDoc {
	doc := r.doc
	doc.MapList = append([]int64{}, r.doc.MapList...)
	doc.Admins = r.admins.Admins()
	doc.Mods = r.admins.Mods()
	doc.KickedPlayers = r.admins.Kicked()
	return doc
}

// persist snapshots the durable fields and enqueues the save.
func (r *Room) persist() {
	r.mu.Lock()
	doc := r.docUnsafe()
	r.mu.Unlock()
	r.deps.Store.SaveRoom(doc)
}

// infoJSON is the public room summary used in lobby listings and the
// NEW_ROOM announcement; the live player and ready counts are patched over
// the stored shape.
func (r *Room) infoJSON() map[string]interface{} {
	r.mu.Lock()
	j := r.doc.InfoJSON()
	j["ready_count"] = r.readyCountUnsafe()
	r.mu.Unlock()
	j["n_players"] = r.clients.Len()
	return j
}

// createdJSON extends infoJSON with the join code and map load state. Sent
// to room residents, who may pass the code on; the lobby at large never
// sees it.
func (r *Room) createdJSON() map[string]interface{} {
	j := r.infoJSON()
	r.mu.Lock()
	j["join_code"] = r.doc.JoinCode
	j["maps_loaded"] = r.mapsLoaded
	r.mu.Unlock()
	return j
}

func (r *Room) readyCountUnsafe() int {
	n := 0
	for _, ok := range r.ready {
		if ok {
			n++
		}
	}
	return n
}

func (r *Room) scheduledUnsafe() bool { return r.doc.GameStartTime > 0 }

func (r *Room) teamOfUnsafe(uid string) int {
	for i, t := range r.teams {
		if contains(t, uid) {
			return i
		}
	}
	return -1
}

func (r *Room) removeFromTeamsUnsafe(uid string) {
	for i, t := range r.teams {
		if out, removed := without(t, uid); removed {
			r.teams[i] = out
		}
	}
}

// initLoads revives the room's game session, then fills the map list. Both
// must finish before clients are admitted.
func (r *Room) initLoads(ctx context.Context) {
	defer close(r.initDone)
	r.loadGame(ctx)
	r.loadMaps(ctx)
}

func (r *Room) loadGame(ctx context.Context) {
	since := models.NowTs() - consts.GameLoadWindow.Seconds()
	doc, err := r.deps.Store.LoadGame(ctx, r.doc.Name, r.doc.Lobby, since)
	if err != nil {
		r.log.WithError(err).Warn("loading game session failed")
		return
	}
	if doc == nil {
		return
	}
	g := NewGame(ctx, r.deps, r, *doc, true)
	r.mu.Lock()
	r.game = g
	r.mu.Unlock()
	r.log.WithField("game", doc.Name).Info("revived game session")
}

// loadMaps resolves the stored track ids and tops the list up from the map
// source until maps_required is met, then announces MAPS_LOADED.
func (r *Room) loadMaps(ctx context.Context) {
	r.mu.Lock()
	ids := append([]int64{}, r.doc.MapList...)
	required := r.doc.MapsRequired
	minSecs, maxSecs, maxDiff := r.doc.MinSecs, r.doc.MaxSecs, r.doc.MaxDifficulty
	r.mu.Unlock()

	if len(ids) > 0 {
		known, err := r.deps.Store.LoadMapsByIDs(ctx, ids)
		if err != nil {
			r.log.WithError(err).Warn("loading stored maps failed")
		}
		r.mu.Lock()
		for i := range known {
			m := known[i]
			r.maps[m.TrackID] = &m
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	short := required - len(r.maps)
	r.mu.Unlock()
	if short > 0 {
		for m := range r.deps.Maps.GetSomeMaps(ctx, short, minSecs, maxSecs, maxDiff) {
			r.mu.Lock()
			if _, dup := r.maps[m.TrackID]; !dup {
				r.maps[m.TrackID] = m
				r.doc.MapList = append(r.doc.MapList, m.TrackID)
			}
			r.mu.Unlock()
		}
		r.persist()
	}

	r.mu.Lock()
	r.mapsLoaded = true
	n := len(r.maps)
	r.mu.Unlock()
	r.log.WithField("n_maps", n).Debug("maps loaded")
	broadcastTyped(r.clients, r.log, "MAPS_LOADED", map[string]interface{}{})
}

// mapsForList resolves track ids to their abbreviated records, in list
// order, skipping ids that never resolved.
func (r *Room) mapsForList(ids []int64) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.maps[id]; ok {
			out = append(out, m.SafeJSONShorter())
		}
	}
	return out
}

// mapUIDsForList resolves track ids to in-game map uids, skipping ids that
// never resolved.
func (r *Room) mapUIDsForList(ids []int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.maps[id]; ok && m.TrackUID != "" {
			out = append(out, m.TrackUID)
		}
	}
	return out
}

// awaitInit blocks until the room's loads finish. Reports false when the
// session or the process went away first.
func (r *Room) awaitInit(ctx context.Context, c *Session) bool {
	select {
	case <-r.initDone:
		return true
	case <-c.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// enter runs the join protocol for one client. Reports false, telling the
// client why, when entry is refused.
func (r *Room) enter(c *Session) bool {
	u := c.User()
	if u == nil {
		c.TellError("Not authenticated!")
		return false
	}
	if r.admins.IsKicked(u.UID) {
		c.TellError("You can't join again because you were already kicked.")
		return false
	}
	if r.clients.Has(c) {
		r.log.WithField("user", u.Name()).Warn("client tried to enter room twice")
		c.TellWarning("Tried to join room twice. This is probably a bug.")
		return false
	}
	r.mu.Lock()
	limit := r.doc.PlayerLimit
	started := r.doc.Started()
	g := r.game
	r.mu.Unlock()
	if r.clients.Len() >= limit {
		c.TellInfo("Sorry, the room is full.")
		return false
	}
	if started && g != nil && !g.IncludesPlayer(u.UID) {
		c.TellInfo("Sorry, the game has already started with other players.")
		return false
	}

	c.SetScope("2|" + r.doc.Name)
	c.TellInfo("Entered Room: " + r.doc.Name)
	c.WriteMessage("ROOM_INFO", r.createdJSON())
	sendRecentChat(c, r.chat)
	c.WriteMessage("ADMIN_MOD_STATUS", r.admins.Payload())
	r.sendTeams(c)
	c.WriteMessage("PLAYER_LIST", playersPayload(r.clients.List()))
	if r.MapsLoaded() {
		c.WriteMessage("MAPS_LOADED", map[string]interface{}{})
	}
	if !r.clients.AddCappedBroadcastJoined(c, limit, playerJoinedRaw(c)) {
		c.TellInfo("Sorry, the room is full.")
		return false
	}
	r.lobby.RoomStatusChanged(r)
	return true
}

// handedOff removes c from the roster, clears their team slot and ready
// flag, and tells everyone left behind. Safe to run twice.
func (r *Room) handedOff(c *Session) {
	if !r.clients.RemoveBroadcastLeft(c, playerLeftRaw(c)) {
		return
	}
	if u := c.User(); u != nil {
		r.mu.Lock()
		delete(r.ready, u.UID)
		r.removeFromTeamsUnsafe(u.UID)
		r.mu.Unlock()
	}
	r.lobby.RoomStatusChanged(r)
}

// Handoff owns c's read loop while the client is in this room. A non-empty
// gameName is a rejoin hint; the game hop is attempted immediately. It
// returns when the client leaves the room; the error is non-nil when the
// transport died.
func (r *Room) Handoff(ctx context.Context, c *Session, gameName string) error {
	if !r.awaitInit(ctx, c) {
		return nil
	}
	if !r.enter(c) {
		return nil
	}
	defer r.handedOff(c)

	if gameName != "" {
		if err := r.joinGameNow(ctx, c); err != nil {
			return err
		}
		if !r.clients.Has(c) {
			return nil
		}
	}

	for {
		m, err := c.ReadValid()
		if err != nil {
			return err
		}
		if consumeKick(c, r.admins, r.clients) {
			return nil
		}
		if handleAdminMessage(c, m, r.admins, r.clients, r.persist) {
			continue
		}
		if handleChat(c, m, r.chat, r.clients) {
			continue
		}
		switch m.Type {
		case "JOIN_TEAM":
			r.joinTeam(c, m)
		case "MARK_READY":
			r.markReady(c, m)
		case "FORCE_START":
			r.forceStart(c)
		case "JOIN_GAME_NOW":
			if err := r.joinGameNow(ctx, c); err != nil {
				return err
			}
		case "LIST_TEAMS":
			r.sendTeams(c)
		case "LIST_PLAYERS":
			c.WriteMessage("PLAYER_LIST", playersPayload(r.clients.List()))
		case "LEAVE":
			return nil
		default:
			r.log.WithField("type", m.Type).Debug("ignoring unknown room message")
		}
		if !r.clients.Has(c) {
			return nil
		}
	}
}

// joinTeam moves the sender onto team_n, clearing their ready flag. During
// a force-started countdown only mods may move.
func (r *Room) joinTeam(c *Session, m *models.Message) {
	u := c.User()
	if u == nil {
		return
	}
	tn := -1
	if n, ok := m.NumField("team_n"); ok {
		tn = int(n)
	}
	r.mu.Lock()
	if r.forced && r.scheduledUnsafe() && !r.admins.IsMod(u.UID) {
		r.mu.Unlock()
		c.TellInfo("You cannot change teams as the game was force-started by a mod.")
		return
	}
	if tn < 0 || tn >= len(r.teams) {
		r.mu.Unlock()
		c.TellWarning(fmt.Sprintf("Team %d does not exist!", tn+1))
		return
	}
	r.removeFromTeamsUnsafe(u.UID)
	r.teams[tn] = append(r.teams[tn], u.UID)
	r.mu.Unlock()
	broadcastEnvelope(r.clients, r.log, "PLAYER_JOINED_TEAM", map[string]interface{}{
		"uid":  u.UID,
		"team": tn,
	})
	r.setReady(c, u, false)
}

func (r *Room) markReady(c *Session, m *models.Message) {
	u := c.User()
	if u == nil {
		return
	}
	r.mu.Lock()
	onTeam := r.teamOfUnsafe(u.UID) >= 0
	started := r.doc.Started()
	r.mu.Unlock()
	if !onTeam {
		c.TellError("You must join a team before you can set yourself ready.")
		return
	}
	if started {
		c.TellWarning("Cannot change ready status after game started.")
		return
	}
	ready, _ := m.BoolField("ready")
	r.setReady(c, u, ready)
}

// setReady applies one player's ready flag, announces it, and drives the
// countdown transitions that hang off ready changes: all-ready starts the
// countdown, and a ready player backing out before the start aborts it. A
// force-started countdown only aborts for mods.
func (r *Room) setReady(c *Session, u *models.User, ready bool) {
	r.mu.Lock()
	was := r.ready[u.UID]
	r.ready[u.UID] = ready
	count := r.readyCountUnsafe()
	scheduled := r.scheduledUnsafe()
	started := r.doc.Started()
	forced := r.forced
	r.mu.Unlock()

	broadcastEnvelope(r.clients, r.log, "PLAYER_READY", map[string]interface{}{
		"uid":         u.UID,
		"is_ready":    ready,
		"ready_count": count,
	})

	if !scheduled {
		if ready && r.shouldStart() {
			r.beginCountdown(false)
		}
		return
	}
	if started || ready || !was {
		return
	}
	if forced && !r.admins.IsMod(u.UID) {
		return
	}
	r.abortCountdown()
}

// shouldStart reports the countdown condition: every resident ready and
// every team populated.
func (r *Room) shouldStart() bool {
	members := r.clients.List()
	if len(members) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range members {
		u := m.User()
		if u == nil || !r.ready[u.UID] {
			return false
		}
	}
	for _, t := range r.teams {
		if len(t) == 0 {
			return false
		}
	}
	return true
}

func (r *Room) beginCountdown(forced bool) {
	r.mu.Lock()
	startTime := models.NowTs() + consts.GameStartDelaySecs
	r.doc.GameStartTime = startTime
	r.doc.IsOpen = false
	r.forced = forced
	doc := r.docUnsafe()
	r.mu.Unlock()
	r.deps.Store.SaveRoom(doc)
	r.log.WithFields(logrus.Fields{"start_time": startTime, "forced": forced}).Info("game start scheduled")
	broadcastTyped(r.clients, r.log, "GAME_STARTING_AT", map[string]interface{}{
		"start_time": startTime,
		"wait_time":  consts.GameStartDelaySecs,
	})
}

func (r *Room) abortCountdown() {
	r.mu.Lock()
	if !r.scheduledUnsafe() || r.doc.Started() {
		r.mu.Unlock()
		return
	}
	r.doc.GameStartTime = -1
	r.doc.IsOpen = true
	doc := r.docUnsafe()
	r.mu.Unlock()
	r.deps.Store.SaveRoom(doc)
	r.log.Info("game start aborted")
	broadcastEnvelope(r.clients, r.log, "GAME_START_ABORT", map[string]interface{}{})
}

// forceStart schedules the countdown regardless of readiness. Mod only.
func (r *Room) forceStart(c *Session) {
	u := c.User()
	if u == nil {
		return
	}
	if !r.admins.IsMod(u.UID) {
		c.TellWarning("Permission denied (Mod only)")
		return
	}
	r.log.WithField("user", u.Name()).Info("game start forced")
	r.beginCountdown(true)
}

// joinGameNow admits c to the game once the start time has passed. A client
// slightly ahead of the clock is made to wait out the difference; anyone
// earlier is refused.
func (r *Room) joinGameNow(ctx context.Context, c *Session) error {
	r.mu.Lock()
	startTime := r.doc.GameStartTime
	started := r.doc.Started()
	r.mu.Unlock()
	if !started {
		left := startTime - models.NowTs()
		if startTime < 0 || left >= 1 {
			c.TellWarning("Can't join the game early.")
			return nil
		}
		if left > 0 {
			if !sleepCtx(c.Done(), time.Duration(left*float64(time.Second))+50*time.Millisecond) {
				return nil
			}
		}
		r.mu.Lock()
		started = r.doc.Started()
		r.mu.Unlock()
		// the countdown can abort while we wait
		if !started {
			return nil
		}
	}
	g := r.ensureGame(ctx)
	if g == nil {
		c.TellError("Unknown server error.")
		return nil
	}
	return r.handoffToGame(ctx, c, g)
}

// ensureGame returns the room's game, building it from the current teams on
// first call. A creation race resolves to one winner; the loser's doc is
// never persisted.
func (r *Room) ensureGame(ctx context.Context) *Game {
	r.mu.Lock()
	if r.game != nil {
		g := r.game
		r.mu.Unlock()
		return g
	}
	doc := models.GameSessionDoc{
		Name:       users.GenUID(10),
		Room:       r.doc.Name,
		Lobby:      r.doc.Lobby,
		Players:    make([]string, 0),
		Teams:      copyTeams(r.teams),
		TeamOrder:  shuffledOrder(len(r.teams)),
		MapList:    append([]int64{}, r.doc.MapList...),
		Admins:     r.admins.Admins(),
		Mods:       r.admins.Mods(),
		CreationTs: models.NowTs(),
	}
	for _, t := range doc.Teams {
		doc.Players = append(doc.Players, t...)
	}
	r.mu.Unlock()

	g := NewGame(ctx, r.deps, r, doc, false)
	r.mu.Lock()
	if r.game == nil {
		r.game = g
	}
	winner := r.game
	r.mu.Unlock()
	if winner == g {
		r.deps.Store.SaveGame(doc)
		r.log.WithFields(logrus.Fields{"game": doc.Name, "n_players": len(doc.Players)}).Info("game session created")
		if r.deps.Hosts != nil && r.gameOpts()["use_club_room"] == "true" {
			go g.provisionHost(ctx)
		}
	}
	return winner
}

// handoffToGame parks c in g until the client leaves it, then re-enters c
// here, mirroring the lobby-to-room hop.
func (r *Room) handoffToGame(ctx context.Context, c *Session, g *Game) error {
	r.handedOff(c)
	err := g.Handoff(ctx, c)
	if err != nil || c.Disconnected() {
		return err
	}
	r.enter(c)
	return nil
}

// sendTeams sends the team rosters and the ready census together; clients
// render them as one view.
func (r *Room) sendTeams(c *Session) {
	teams, uids, ready := r.teamsSnapshot()
	c.WriteMessageVis("LIST_TEAMS", map[string]interface{}{"teams": teams}, models.VisGlobal)
	c.WriteMessageVis("LIST_READY_STATUS", map[string]interface{}{"uids": uids, "ready": ready}, models.VisGlobal)
}

// teamsSnapshot returns the team rosters plus the ready flag for each
// current resident, aligned by index.
func (r *Room) teamsSnapshot() ([][]string, []string, []bool) {
	members := r.clients.List()
	r.mu.Lock()
	defer r.mu.Unlock()
	teams := copyTeams(r.teams)
	uids := make([]string, 0, len(members))
	ready := make([]bool, 0, len(members))
	for _, m := range members {
		if u := m.User(); u != nil {
			uids = append(uids, u.UID)
			ready = append(ready, r.ready[u.UID])
		}
	}
	return teams, uids, ready
}

// infoTicker pushes the room snapshot to residents every 5 s: info, roster,
// teams, ready census.
func (r *Room) infoTicker(ctx context.Context) {
	for {
		if !sleepCtx(ctx.Done(), consts.InfoPushInterval) {
			return
		}
		if r.Retired() {
			return
		}
		if r.clients.Len() == 0 {
			continue
		}
		broadcastTyped(r.clients, r.log, "ROOM_INFO", r.createdJSON())
		broadcastTyped(r.clients, r.log, "PLAYER_LIST", playersPayload(r.clients.List()))
		teams, uids, ready := r.teamsSnapshot()
		r.broadcastTypedVis("LIST_TEAMS", map[string]interface{}{"teams": teams})
		r.broadcastTypedVis("LIST_READY_STATUS", map[string]interface{}{"uids": uids, "ready": ready})
	}
}

func (r *Room) broadcastTypedVis(typ string, payload interface{}) {
	raw, err := json.Marshal(typedMsg{Type: typ, Payload: payload, Visibility: models.VisGlobal})
	if err != nil {
		r.log.WithError(err).Error("marshaling broadcast")
		return
	}
	r.clients.Broadcast(raw)
}

// watchEmpty retires the room once it has sat empty for the dwell. Brief
// visits reset the dwell only if someone is present at a sample point.
func (r *Room) watchEmpty(ctx context.Context) {
	if !sleepCtx(ctx.Done(), consts.RoomEmptyInitialDelay) {
		return
	}
	for r.lobby.hasRoom(r.doc.Name) {
		if !sleepCtx(ctx.Done(), consts.RoomEmptyPoll) {
			return
		}
		if !r.isEmpty() {
			continue
		}
		empty := time.Duration(0)
		for r.isEmpty() && empty < consts.RoomEmptyDwell {
			if !sleepCtx(ctx.Done(), consts.RoomEmptySample) {
				return
			}
			empty += consts.RoomEmptySample
		}
		if r.isEmpty() {
			break
		}
	}
	r.lobby.RetireRoom(r)
}

// isEmpty is true when neither the room nor its game has any resident.
func (r *Room) isEmpty() bool {
	if r.clients.Len() > 0 {
		return false
	}
	r.mu.Lock()
	g := r.game
	r.mu.Unlock()
	return g == nil || g.clients.Len() == 0
}

func copyTeams(teams [][]string) [][]string {
	out := make([][]string, len(teams))
	for i, t := range teams {
		out[i] = append([]string{}, t...)
	}
	return out
}

// shuffledOrder is a random permutation of team indexes, fixing the play
// order for the whole game.
func shuffledOrder(n int) []int {
	return rand.New(rand.NewSource(time.Now().UnixNano())).Perm(n)
}

// sleepCtx sleeps for d, returning false early when done closes.
func sleepCtx(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
