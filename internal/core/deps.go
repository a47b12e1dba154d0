// internal/core/deps.go
package core

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/auth"
	"github.com/XertroV/cgf-server/internal/config"
	"github.com/XertroV/cgf-server/internal/models"
	"github.com/XertroV/cgf-server/internal/users"
)

// Store is the document-store surface the scope controllers use.
// *database.Store satisfies it; tests swap in an in-memory fake.
type Store interface {
	RecordMessage(doc models.MessageDoc)
	SaveUser(doc models.UserDoc)
	SaveLobby(doc models.LobbyDoc)
	SaveRoom(doc models.RoomDoc)
	SaveGame(doc models.GameSessionDoc)
	AppendGameEvent(gameUID string, seq int64, doc models.MessageDoc)
	AppendChat(ctype, cname string, ord int64, doc models.MessageDoc)

	LoadRecentChat(ctx context.Context, ctype, cname string, limit int) ([]models.MessageDoc, int64, error)
	LoadLobby(ctx context.Context, name string) (*models.LobbyDoc, error)
	LoadLobbies(ctx context.Context) ([]models.LobbyDoc, error)
	LoadRooms(ctx context.Context, lobby string, since float64) ([]models.RoomDoc, error)
	LoadRoom(ctx context.Context, name string) (*models.RoomDoc, error)
	RoomByJoinCode(ctx context.Context, code string) (*models.RoomDoc, error)
	LoadGame(ctx context.Context, room, lobby string, since float64) (*models.GameSessionDoc, error)
	LoadGameByName(ctx context.Context, name string) (*models.GameSessionDoc, error)
	LoadGameEvents(ctx context.Context, gameUID string) ([]models.MessageDoc, error)
	LoadMapsByIDs(ctx context.Context, ids []int64) ([]models.Map, error)
}

// MapSource funds rooms with playable maps. *maps.Provider satisfies it.
type MapSource interface {
	GetSomeMaps(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) <-chan *models.Map
}

// TokenVerifier checks a platform token and returns the account behind it.
// *auth.OpenplanetVerifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.OpenplanetIdentity, error)
}

// HostProvisioner creates a dedicated online room for a game and reports
// its join link. *nadeo.Session satisfies it.
type HostProvisioner interface {
	ProvisionRoom(ctx context.Context, name string, mapUIDs []string) (string, error)
}

// Deps bundles everything the scope controllers share. One value is built at
// startup and handed to every session and lobby.
type Deps struct {
	Cfg      *config.Config
	Log      *logrus.Logger
	Store    Store
	Users    *users.Directory
	Maps     MapSource
	Verifier TokenVerifier   // nil when no verifier creds are configured
	Hosts    HostProvisioner // nil without a dedicated-server account
	Registry *Registry
}
