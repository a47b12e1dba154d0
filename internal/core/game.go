// internal/core/game.go
package core

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/users"
)

// Game is the live play scope. Its heart is the ordered event log: every
// gameplay message gets a seq, is persisted, and is echoed to the whole
// roster, and a joining client replays the log before seeing live traffic.
type Game struct {
	deps *Deps
	log  *logrus.Entry
	room *Room

	clients *ClientSet
	admins  *AdminSet
	chat    *ChatLog

	mu       sync.Mutex
	doc      models.GameSessionDoc
	msgs     []*models.Message
	hostName string
	joinLink string
}

// NewGame builds the controller around doc. Chat loads synchronously;
// loadEvents additionally pulls the stored event log, which revival wants
// and fresh creation does not.
func NewGame(ctx context.Context, deps *Deps, r *Room, doc models.GameSessionDoc, loadEvents bool) *Game {
	g := &Game{
		deps:    deps,
		room:    r,
		clients: NewClientSet(),
		admins:  NewAdminSet(doc.Admins, doc.Mods, doc.KickedPlayers),
		doc:     doc,
	}
	g.log = deps.Log.WithFields(logrus.Fields{"room": doc.Room, "game": doc.Name})
	g.chat = NewChatLog("game", doc.Name, deps.Store, userResolver(deps.Users))
	g.chat.Load(ctx, g.log)
	if loadEvents {
		g.loadEvents(ctx)
	}
	go g.infoTicker(ctx)
	return g
}

func (g *Game) Name() string { return g.doc.Name }

func (g *Game) loadEvents(ctx context.Context) {
	docs, err := g.deps.Store.LoadGameEvents(ctx, g.doc.Name)
	if err != nil {
		g.log.WithError(err).Warn("loading game events failed")
		return
	}
	msgs := make([]*models.Message, 0, len(docs))
	for _, d := range docs {
		u, _ := g.deps.Users.Get(d.UserUID)
		msgs = append(msgs, models.MessageFromDoc(d, u))
	}
	g.mu.Lock()
	g.msgs = msgs
	g.doc.NGameMsgs = len(msgs)
	g.mu.Unlock()
	g.log.WithField("n", len(msgs)).Debug("loaded game events")
}

// playersTeam is the index of the team whose roster lists uid, -1 when
// absent. Not exact when one account runs two clients.
func (g *Game) playersTeam(uid string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, t := range g.doc.Teams {
		if contains(t, uid) {
			return i
		}
	}
	return -1
}

// IncludesPlayer reports whether uid is on any team of this game.
func (g *Game) IncludesPlayer(uid string) bool { return g.playersTeam(uid) >= 0 }

// persist snapshots the durable fields and enqueues the save.
func (g *Game) persist() {
	g.mu.Lock()
	doc := g.docUnsafe()
	g.mu.Unlock()
	g.deps.Store.SaveGame(doc)
}

// docUnsafe snapshots the durable fields; the caller holds mu.
func (g *Game) docUnsafe() models.GameSessionDoc {
	doc := g.doc
	doc.Players = append([]string{}, g.doc.Players...)
	doc.Teams = copyTeams(g.doc.Teams)
	doc.TeamOrder = append([]int{}, g.doc.TeamOrder...)
	doc.MapList = append([]int64{}, g.doc.MapList...)
	doc.Admins = g.admins.Admins()
	doc.Mods = g.admins.Mods()
	doc.KickedPlayers = g.admins.Kicked()
	return doc
}

// fullInfoJSON is the GAME_INFO_FULL payload. Legacy docs saved before
// team_order existed get one generated here.
func (g *Game) fullInfoJSON() map[string]interface{} {
	opts := g.room.gameOpts()
	g.mu.Lock()
	if len(g.doc.TeamOrder) == 0 && len(g.doc.Teams) > 0 {
		g.doc.TeamOrder = shuffledOrder(len(g.doc.Teams))
	}
	players := make([]interface{}, 0, len(g.doc.Players))
	for _, uid := range g.doc.Players {
		if u, ok := g.deps.Users.Get(uid); ok {
			players = append(players, u.SafeJSON())
		}
	}
	j := map[string]interface{}{
		"game_opts":   opts,
		"players":     players,
		"n_game_msgs": len(g.msgs),
		"teams":       copyTeams(g.doc.Teams),
		"team_order":  append([]int{}, g.doc.TeamOrder...),
		"map_list":    append([]int64{}, g.doc.MapList...),
		"room":        g.doc.Room,
		"lobby":       g.doc.Lobby,
	}
	g.mu.Unlock()
	return j
}

func (g *Game) mapList() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64{}, g.doc.MapList...)
}

// clubRoomPayload is the CLUB_ROOM frame body, nil until a host exists.
func (g *Game) clubRoomPayload() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joinLink == "" {
		return nil
	}
	return map[string]interface{}{"name": g.hostName, "join_link": g.joinLink}
}

// provisionHost stands up a dedicated online room for this game and shares
// the join link once it resolves. Runs at most once, from game creation,
// and only when the room's options asked for a host.
func (g *Game) provisionHost(ctx context.Context) {
	uids := g.room.mapUIDsForList(g.mapList())
	if len(uids) == 0 {
		g.log.Warn("no map uids resolved, skipping club room")
		return
	}
	name := "CGF-" + users.GenUID(6)
	link, err := g.deps.Hosts.ProvisionRoom(ctx, name, uids)
	if err != nil {
		g.log.WithError(err).Warn("club room provisioning failed")
		return
	}
	g.mu.Lock()
	g.hostName = name
	g.joinLink = link
	g.mu.Unlock()
	g.log.WithFields(logrus.Fields{"club_room": name, "join_link": link}).Info("club room ready")
	broadcastTyped(g.clients, g.log, "CLUB_ROOM", g.clubRoomPayload())
}

// enter runs the join protocol for one client. Reports false, telling the
// client why, when entry is refused.
func (g *Game) enter(c *Session) bool {
	u := c.User()
	if u == nil {
		c.TellError("Not authenticated!")
		return false
	}
	if g.admins.IsKicked(u.UID) {
		c.TellError("You can't join again because you were already kicked.")
		return false
	}
	if g.clients.Has(c) {
		g.log.WithField("user", u.Name()).Warn("client tried to enter game twice")
		c.TellWarning("Tried to join room twice. This is probably a bug.")
		return false
	}
	c.SetScope("3|" + g.doc.Name)
	c.TellInfo("Entered Game: " + g.doc.Name)
	sendRecentChat(c, g.chat)
	c.WriteMessage("ADMIN_MOD_STATUS", g.admins.Payload())
	c.WriteMessage("PLAYER_LIST", playersPayload(g.clients.List()))
	c.WriteMessage("GAME_INFO_FULL", g.fullInfoJSON())
	c.WriteMessage("MAPS_INFO_FULL", map[string]interface{}{"maps": g.room.mapsForList(g.mapList())})
	if club := g.clubRoomPayload(); club != nil {
		c.WriteMessage("CLUB_ROOM", club)
	}
	if g.playersTeam(u.UID) < 0 {
		g.log.WithFields(logrus.Fields{"user": u.Name(), "uid": u.UID}).Warn("cannot assign player to a team, admitting as observer")
	}
	g.admit(c)
	return true
}

// admit adds c to the roster and replays the log, all under the log lock:
// every event reaches the client exactly once, in the replay or as a live
// broadcast, never both and never reordered.
func (g *Game) admit(c *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients.AddBroadcastJoined(c, playerJoinedRaw(c))
	c.WriteMessage("GAME_REPLAY_START", map[string]interface{}{"n_msgs": len(g.msgs)})
	for _, m := range g.msgs {
		c.WriteEnvelope(m)
	}
	c.WriteMessage("GAME_REPLAY_END", map[string]interface{}{})
}

// handedOff announces the departure before removing c, so the leaver sees
// their own PLAYER_LEFT. Safe to run twice.
func (g *Game) handedOff(c *Session) {
	g.clients.BroadcastLeftRemove(c, playerLeftRaw(c))
}

// Handoff owns c's read loop while the client is in this game. Leaving does
// not end the game; the log stays open for rejoins. The error is non-nil
// when the transport died.
func (g *Game) Handoff(ctx context.Context, c *Session) error {
	if !g.enter(c) {
		return nil
	}
	defer g.handedOff(c)

	for {
		m, err := c.ReadValid()
		if err != nil {
			return err
		}
		if consumeKick(c, g.admins, g.clients) {
			return nil
		}
		if handleAdminMessage(c, m, g.admins, g.clients, g.persist) {
			continue
		}
		if handleChat(c, m, g.chat, g.clients) {
			continue
		}
		switch {
		case m.Type == "LEAVE":
			return nil
		case isGameMsgType(m.Type):
			g.appendAndBroadcast(c, m)
		default:
			g.log.WithField("type", m.Type).Debug("ignoring unknown game message")
		}
		if !g.clients.Has(c) {
			return nil
		}
	}
}

// Gameplay messages carry the G_ prefix by convention; the map lifecycle
// and reroll-vote types are fixed sets.
func isGameMsgType(typ string) bool {
	if strings.HasPrefix(typ, "G_") {
		return true
	}
	switch typ {
	case "CP_TIME", "FINAL_TIME", "ENTER_MAP", "LEAVE_MAP",
		"MAP_REROLL_VOTE_START", "MAP_REROLL_VOTE_SUBMIT", "MOD_MAP_REROLL":
		return true
	}
	return false
}

// appendAndBroadcast assigns the next seq, records the event, and echoes it
// to every resident, the sender included. Serialized on the log lock so seq
// order, log order, and broadcast order all agree.
func (g *Game) appendAndBroadcast(c *Session, m *models.Message) {
	if m.Type == "MOD_MAP_REROLL" {
		u := c.User()
		if u == nil || !g.admins.IsMod(u.UID) {
			c.TellWarning("Permission denied (Mod only)")
			return
		}
	}
	g.mu.Lock()
	seq := len(g.msgs)
	m.Payload["seq"] = seq
	g.msgs = append(g.msgs, m)
	g.doc.NGameMsgs = len(g.msgs)
	g.deps.Store.AppendGameEvent(g.doc.Name, int64(seq), m.Doc())
	g.deps.Store.SaveGame(g.docUnsafe())
	raw, err := json.Marshal(m.SafeJSON())
	if err != nil {
		g.log.WithError(err).Error("marshaling game event")
	} else {
		g.clients.Broadcast(raw)
	}
	g.mu.Unlock()
}

// infoTicker pushes the running message count to residents every 5 s.
func (g *Game) infoTicker(ctx context.Context) {
	for {
		if !sleepCtx(ctx.Done(), consts.InfoPushInterval) {
			return
		}
		if g.clients.Len() == 0 {
			continue
		}
		g.mu.Lock()
		n := len(g.msgs)
		g.mu.Unlock()
		broadcastTyped(g.clients, g.log, "GAME_INFO", map[string]interface{}{"n_game_msgs": n})
	}
}
