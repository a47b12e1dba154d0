// internal/nadeo/rooms.go
package nadeo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TTGClubID is the club that hosts provisioned rooms.
const TTGClubID = 55829

// DefaultScript is the game mode script used by provisioned rooms.
const DefaultScript = "TrackMania/TM_TimeAttack_Online.Script.txt"

var validRegions = []string{"eu-west", "ca-central"}

const (
	joinPollLimit    = 60
	joinPollInterval = 750 * time.Millisecond
	uploadPollLimit  = 60
	uploadPollWait   = 2 * time.Second
	gatewayRetryWait = time.Second
)

// RoomConfig describes a club room to create.
type RoomConfig struct {
	Name       string
	MapUIDs    []string
	Region     string
	Scalable   bool
	Password   bool
	MaxPlayers int
	Script     string
	// Settings entries look like {"key":"S_TimeLimit","value":"3600","type":"integer"}.
	Settings []map[string]string
}

// ClubRoom is the Live API's view of a created room. The activity id is the
// handle for every follow-up call.
type ClubRoom struct {
	ActivityID int64  `json:"activityId"`
	Name       string `json:"name"`
	Password   string `json:"password"`
}

// JoinInfo is the join endpoint's response. The link is only usable once
// starting goes false.
type JoinInfo struct {
	Starting bool   `json:"starting"`
	JoinLink string `json:"joinLink"`
}

func (s *Session) liveRequest(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	return s.nadeoRequest(ctx, AudienceNadeoLiveServices, method, url, body)
}

func (s *Session) nadeoRequest(ctx context.Context, audience, method, url string, body interface{}) (*http.Response, error) {
	tok, err := s.AccessToken(audience)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling nadeo request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("building nadeo request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "nadeo_v1 t="+tok)
	req.Header.Set("User-Agent", s.ua)
	return s.HTTP.Do(req)
}

func decodeOK(resp *http.Response, url string, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}

func (s *Session) clubURL(format string, args ...interface{}) string {
	return s.LiveURL + fmt.Sprintf("/api/token/club/%d", TTGClubID) + fmt.Sprintf(format, args...)
}

// CreateClubRoom provisions a dedicated server room and, when password
// protected, fetches the password too.
func (s *Session) CreateClubRoom(ctx context.Context, cfg RoomConfig) (*ClubRoom, error) {
	if err := s.AwaitReady(ctx); err != nil {
		return nil, err
	}

	region := cfg.Region
	valid := false
	for _, r := range validRegions {
		if region == r {
			valid = true
			break
		}
	}
	if !valid {
		region = validRegions[0]
	}
	maxPlayers := cfg.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = 64
	}
	script := cfg.Script
	if script == "" {
		script = DefaultScript
	}
	settings := cfg.Settings
	if settings == nil {
		settings = []map[string]string{}
	}
	password := 0
	if cfg.Password {
		password = 1
	}
	scalable := 0
	if cfg.Scalable {
		scalable = 1
	}

	body := map[string]interface{}{
		"name":                cfg.Name,
		"region":              region,
		"maxPlayersPerServer": maxPlayers,
		"script":              script,
		"settings":            settings,
		"maps":                cfg.MapUIDs,
		"scalable":            scalable,
		"password":            password,
	}

	url := s.clubURL("/room/create")
	resp, err := s.liveRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating club room: %w", err)
	}
	var room ClubRoom
	if err := decodeOK(resp, url, &room); err != nil {
		return nil, err
	}
	s.log.Infof("created club room %q activity=%d", cfg.Name, room.ActivityID)

	if cfg.Password {
		pw, err := s.clubRoomPassword(ctx, room.ActivityID)
		if err != nil {
			s.log.Warnf("fetching club room password failed: %v", err)
			return &room, nil
		}
		room.Password = pw
	}
	return &room, nil
}

func (s *Session) clubRoomPassword(ctx context.Context, activityID int64) (string, error) {
	url := s.clubURL("/room/%d/get-password", activityID)
	resp, err := s.liveRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("getting club room password: %w", err)
	}
	var pwData struct {
		Password string `json:"password"`
	}
	if err := decodeOK(resp, url, &pwData); err != nil {
		return "", err
	}
	return pwData.Password, nil
}

// GetClubRoom fetches a room's current state, password included.
func (s *Session) GetClubRoom(ctx context.Context, activityID int64) (*ClubRoom, error) {
	if err := s.AwaitReady(ctx); err != nil {
		return nil, err
	}
	url := s.clubURL("/room/%d/", activityID)
	resp, err := s.liveRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("getting club room %d: %w", activityID, err)
	}
	var room ClubRoom
	if err := decodeOK(resp, url, &room); err != nil {
		return nil, err
	}
	if pw, err := s.clubRoomPassword(ctx, room.ActivityID); err == nil {
		room.Password = pw
	}
	return &room, nil
}

// DeleteClubRoom tears down a provisioned room's activity.
func (s *Session) DeleteClubRoom(ctx context.Context, activityID int64) error {
	if err := s.AwaitReady(ctx); err != nil {
		return err
	}
	url := s.clubURL("/activity/%d/delete", activityID)
	resp, err := s.liveRequest(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("deleting club room %d: %w", activityID, err)
	}
	if err := decodeOK(resp, url, nil); err != nil {
		return err
	}
	s.log.Infof("deleted activity: %d", activityID)
	return nil
}

// JoinClubRoom asks for the room's join link. The Live API 504s while the
// server is still allocating; those are retried after a second.
func (s *Session) JoinClubRoom(ctx context.Context, activityID int64) (*JoinInfo, error) {
	if err := s.AwaitReady(ctx); err != nil {
		return nil, err
	}
	url := s.clubURL("/room/%d/join", activityID)
	for {
		resp, err := s.liveRequest(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, fmt.Errorf("joining club room %d: %w", activityID, err)
		}
		if resp.StatusCode == http.StatusGatewayTimeout {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(gatewayRetryWait):
			}
			continue
		}
		var info JoinInfo
		if err := decodeOK(resp, url, &info); err != nil {
			return nil, err
		}
		return &info, nil
	}
}

// AwaitJoinLink polls the join endpoint until the server reports started,
// up to joinPollLimit attempts.
func (s *Session) AwaitJoinLink(ctx context.Context, activityID int64) (string, error) {
	for count := 0; count < joinPollLimit; count++ {
		if count > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(joinPollInterval):
			}
		}
		info, err := s.JoinClubRoom(ctx, activityID)
		if err != nil {
			return "", err
		}
		if !info.Starting {
			return info.JoinLink, nil
		}
	}
	return "", fmt.Errorf("club room %d did not start after %d checks", activityID, joinPollLimit)
}

// ProvisionRoom runs the whole flow for a fresh game host: wait for the
// maps to reach Nadeo, create the room, and resolve its join link.
func (s *Session) ProvisionRoom(ctx context.Context, name string, mapUIDs []string) (string, error) {
	if err := s.AwaitMapsUploaded(ctx, mapUIDs); err != nil {
		return "", err
	}
	room, err := s.CreateClubRoom(ctx, RoomConfig{Name: name, MapUIDs: mapUIDs})
	if err != nil {
		return "", err
	}
	return s.AwaitJoinLink(ctx, room.ActivityID)
}

// AwaitMapsUploaded waits until the core API knows every map uid, up to
// about two minutes. Maps uploaded to the exchange propagate to Nadeo with
// some lag; rooms created before that 404 on the missing maps.
func (s *Session) AwaitMapsUploaded(ctx context.Context, mapUIDs []string) error {
	if err := s.AwaitReady(ctx); err != nil {
		return err
	}
	notUploaded := make(map[string]bool, len(mapUIDs))
	for _, uid := range mapUIDs {
		notUploaded[uid] = true
	}
	s.log.Infof("awaiting map uploads: %d", len(notUploaded))

	for count := 0; len(notUploaded) > 0 && count <= uploadPollLimit; count++ {
		if count > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(uploadPollWait):
			}
		}
		remaining := make([]string, 0, len(notUploaded))
		for uid := range notUploaded {
			remaining = append(remaining, uid)
		}
		url := s.CoreURL + "/maps/?mapUidList=" + strings.Join(remaining, ",")
		resp, err := s.nadeoRequest(ctx, AudienceNadeoServices, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("checking uploaded maps: %w", err)
		}
		var infos []struct {
			MapUID string `json:"mapUid"`
		}
		if err := decodeOK(resp, url, &infos); err != nil {
			return err
		}
		for _, info := range infos {
			delete(notUploaded, info.MapUID)
		}
	}
	if len(notUploaded) > 0 {
		return fmt.Errorf("%d maps still not uploaded", len(notUploaded))
	}
	return nil
}
