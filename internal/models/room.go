// internal/models/room.go
package models

// RoomDoc is a row in the rooms table. Rooms are keyed by name; the random
// suffix appended at creation keeps names unique without a separate uid.
type RoomDoc struct {
	Name          string            `json:"name"`
	Lobby         string            `json:"lobby"`
	IsPublic      bool              `json:"is_public"`
	IsOpen        bool              `json:"is_open"`
	IsRetired     bool              `json:"is_retired"`
	JoinCode      string            `json:"join_code"`
	GameStartTime float64           `json:"game_start_time"`
	PlayerLimit   int               `json:"player_limit"`
	NTeams        int               `json:"n_teams"`
	MapsRequired  int               `json:"maps_required"`
	MinSecs       int               `json:"min_secs"`
	MaxSecs       int               `json:"max_secs"`
	MaxDifficulty int               `json:"max_difficulty"`
	MapList       []int64           `json:"map_list"`
	GameOpts      map[string]string `json:"game_opts"`
	Admins        []string          `json:"admins"`
	Mods          []string          `json:"mods"`
	KickedPlayers []string          `json:"kicked_players"`
	CreationTs    float64           `json:"creation_ts"`
}

// Started reports whether the scheduled start time has passed. A room with
// no schedule carries a negative sentinel and never reads as started.
func (r *RoomDoc) Started() bool {
	now := NowTs()
	return r.GameStartTime > 0 && r.GameStartTime < now
}

// InfoJSON is the public description of a room, as sent in ROOM_INFO and
// lobby room listings. n_players is zero here; the controller patches in
// the live count.
func (r *RoomDoc) InfoJSON() map[string]interface{} {
	return map[string]interface{}{
		"name":            r.Name,
		"player_limit":    r.PlayerLimit,
		"n_teams":         r.NTeams,
		"n_players":       0,
		"is_public":       r.IsPublic,
		"is_open":         r.IsOpen,
		"n_maps":          r.MapsRequired,
		"min_secs":        r.MinSecs,
		"max_secs":        r.MaxSecs,
		"max_difficulty":  IntToDifficulty(r.MaxDifficulty),
		"game_start_time": r.GameStartTime,
		"started":         r.Started(),
		"game_opts":       r.GameOpts,
	}
}
