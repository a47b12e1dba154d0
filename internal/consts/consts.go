// internal/consts/consts.go
package consts

import "time"

// Version is the server version reported to clients and upstream services.
// Overridden at build time:
//
//	go build -ldflags "-X github.com/XertroV/cgf-server/internal/consts.Version=1.2.3"
var Version = "0.9.0-dev"

// Room parameter bounds. CREATE_ROOM clamps submitted values into these.
const (
	MinPlayers = 2
	MaxPlayers = 64

	MinTeams = 2
	MaxTeams = 16

	MinMaps = 1
	MaxMaps = 100

	MinSecs = 15
	MaxSecs = 600

	MaxDifficulty     = 5
	DefaultDifficulty = 3
)

// JoinCodeAlphabet omits 0/O/1/I to keep codes unambiguous when read aloud.
const (
	JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	JoinCodeLen      = 6
)

const (
	// MaxChatLen bounds SEND_CHAT content length.
	MaxChatLen = 1024
	// RecentChatLen is the in-memory chat tail kept per scope.
	RecentChatLen = 20
)

// LongMapSecs stands in for the catalog's "Long" length label when filtering.
const LongMapSecs = 10000

const (
	// GameStartDelaySecs is the countdown between all-ready and game start.
	GameStartDelaySecs = 5.0

	// InfoPushInterval is how often scope snapshots are pushed to residents.
	InfoPushInterval = 5 * time.Second

	// RejoinWindow is how long a user's last scope stays resumable.
	RejoinWindow = 3 * time.Hour

	// RoomEmptyDwell retires a room once it has had no clients for this long.
	// The watcher starts after RoomEmptyInitialDelay so a freshly created
	// room survives its creator's entry hop, polls at RoomEmptyPoll, and
	// samples occupancy at RoomEmptySample while the dwell runs down.
	RoomEmptyDwell        = 120 * time.Second
	RoomEmptyInitialDelay = 6 * time.Second
	RoomEmptyPoll         = 1 * time.Second
	RoomEmptySample       = 100 * time.Millisecond
	// RoomMaxAge retires rooms by age regardless of occupancy.
	RoomMaxAge = 6 * time.Hour
	// RoomSweepInterval is the cadence of the age sweep; the first sweep
	// runs RoomSweepInitialDelay after the lobby loads.
	RoomSweepInterval     = 15 * time.Minute
	RoomSweepInitialDelay = 20 * time.Second

	// RoomLoadWindow bounds which persisted rooms a lobby revives on load.
	RoomLoadWindow = 24 * time.Hour
	// GameLoadWindow bounds which persisted game a room revives on load.
	GameLoadWindow = 6 * time.Hour
)

// Map pool maintenance.
const (
	MaintainNMaps         = 200
	MaintainNMapsLocalDev = 20
)
