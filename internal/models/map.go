// internal/models/map.go
package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/XertroV/cgf-server/internal/consts"
)

// DifficultyNames maps exchange difficulty indexes to their display names.
var DifficultyNames = []string{
	"Beginner", "Intermediate", "Advanced", "Expert", "Lunatic", "Impossible",
}

// IntToDifficulty renders a difficulty index as its name, clamping out of
// range values.
func IntToDifficulty(i int) string {
	if i < 0 {
		i = 0
	}
	if i >= len(DifficultyNames) {
		i = len(DifficultyNames) - 1
	}
	return DifficultyNames[i]
}

// DifficultyToInt resolves a difficulty name back to its index.
func DifficultyToInt(name string) (int, bool) {
	for i, n := range DifficultyNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Map mirrors a track record from the exchange API. Field names follow the
// upstream JSON so the struct can be decoded straight from a search result.
type Map struct {
	TrackID           int64   `json:"TrackID"`
	Name              string  `json:"Name"`
	GbxMapName        string  `json:"GbxMapName"`
	TrackUID          string  `json:"TrackUID"`
	ExeVersion        string  `json:"ExeVersion"`
	ExeBuild          string  `json:"ExeBuild"`
	AuthorTime        int64   `json:"AuthorTime"`
	UploadedAt        string  `json:"UploadedAt"`
	UpdatedAt         string  `json:"UpdatedAt"`
	Tags              string  `json:"Tags"`
	TypeName          string  `json:"TypeName"`
	StyleName         string  `json:"StyleName"`
	RouteName         string  `json:"RouteName"`
	LengthName        string  `json:"LengthName"`
	LengthSecs        int     `json:"LengthSecs"`
	DifficultyName    string  `json:"DifficultyName"`
	Laps              int     `json:"Laps"`
	Comments          string  `json:"Comments"`
	Downloadable      bool    `json:"Downloadable"`
	RatingVoteCount   int     `json:"RatingVoteCount"`
	RatingVoteAverage float64 `json:"RatingVoteAverage"`
}

// Difficulty is the numeric difficulty, defaulting when the exchange sends
// a name we don't know.
func (m *Map) Difficulty() int {
	if d, ok := DifficultyToInt(m.DifficultyName); ok {
		return d
	}
	return consts.DefaultDifficulty
}

// SafeJSONShorter is the abbreviated map record sent in MAPS_INFO_FULL.
func (m *Map) SafeJSONShorter() map[string]interface{} {
	return map[string]interface{}{
		"TrackID":        m.TrackID,
		"TrackUID":       m.TrackUID,
		"Name":           m.Name,
		"AuthorTime":     m.AuthorTime,
		"LengthSecs":     m.LengthSecs,
		"DifficultyName": m.DifficultyName,
		"Laps":           m.Laps,
	}
}

// ParseLengthName converts an exchange length label to seconds. Labels come
// in four shapes: "Long", "2 m 30 s", "3 min", and "45 secs".
func ParseLengthName(name string) (int, error) {
	if name == "Long" {
		return consts.LongMapSecs, nil
	}
	parts := strings.Fields(name)
	switch {
	case len(parts) == 4 && parts[1] == "m" && parts[3] == "s":
		mins, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad map length name %q: %w", name, err)
		}
		secs, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, fmt.Errorf("bad map length name %q: %w", name, err)
		}
		return mins*60 + secs, nil
	case len(parts) == 2 && parts[1] == "min":
		mins, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad map length name %q: %w", name, err)
		}
		return mins * 60, nil
	case len(parts) == 2 && parts[1] == "secs":
		secs, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad map length name %q: %w", name, err)
		}
		return secs, nil
	}
	return 0, fmt.Errorf("unrecognized map length name: %q", name)
}

// MapPack mirrors a map pack record from the exchange API.
type MapPack struct {
	ID              int64  `json:"ID"`
	UserID          int64  `json:"UserID"`
	Username        string `json:"Username"`
	Name            string `json:"Name"`
	Description     string `json:"Description"`
	TypeName        string `json:"TypeName"`
	StyleName       string `json:"StyleName"`
	Titlepack       string `json:"Titlepack"`
	EnvironmentName string `json:"EnvironmentName"`
	Unreleased      bool   `json:"Unreleased"`
	TrackUnreleased bool   `json:"TrackUnreleased"`
	Downloadable    bool   `json:"Downloadable"`
	TrackHidden     string `json:"TrackHidden"`
	Downloads       int    `json:"Downloads"`
	Created         string `json:"Created"`
	Edited          string `json:"Edited"`
	TrackCount      int    `json:"TrackCount"`
	TagsString      string `json:"TagsString"`
	Tracks          []Map  `json:"Tracks,omitempty"`
}
