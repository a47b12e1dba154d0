// internal/models/lobby.go
package models

// LobbyDoc is a row in the lobbies table. The name is the lookup key; the
// uid survives renames (none are exposed yet, but the column is stable).
type LobbyDoc struct {
	UID           string   `json:"uid"`
	Name          string   `json:"name"`
	ParentLobby   string   `json:"parent_lobby,omitempty"`
	IsPublic      bool     `json:"is_public"`
	Admins        []string `json:"admins"`
	Mods          []string `json:"mods"`
	KickedPlayers []string `json:"kicked_players"`
	CreationTs    float64  `json:"creation_ts"`
}
