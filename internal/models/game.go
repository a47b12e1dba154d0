// internal/models/game.go
package models

// GameSessionDoc is a row in the games table. Players are stored by uid in
// team order; the per-event log lives in its own table keyed by the game
// name, which is a generated uid.
type GameSessionDoc struct {
	Name          string     `json:"name"`
	Room          string     `json:"room"`
	Lobby         string     `json:"lobby"`
	Players       []string   `json:"players"`
	Teams         [][]string `json:"teams"`
	TeamOrder     []int      `json:"team_order"`
	MapList       []int64    `json:"map_list"`
	NGameMsgs     int        `json:"n_game_msgs"`
	Admins        []string   `json:"admins"`
	Mods          []string   `json:"mods"`
	KickedPlayers []string   `json:"kicked_players"`
	CreationTs    float64    `json:"creation_ts"`
}
