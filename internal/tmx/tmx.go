// internal/tmx/tmx.go
package tmx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
)

// DefaultBaseURL is the map exchange API root.
const DefaultBaseURL = "https://trackmania.exchange"

// DefaultIOBaseURL is the trackmania.io API root, used for track of the day
// lookups.
const DefaultIOBaseURL = "https://trackmania.io"

// Client talks to the community map catalogs. Base URLs are fields so tests
// can point at a local server.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	IOBaseURL string

	ua  string
	log *logrus.Logger
}

// New builds a catalog client with the project's contact UA.
func New(log *logrus.Logger) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		BaseURL:   DefaultBaseURL,
		IOBaseURL: DefaultIOBaseURL,
		ua:        fmt.Sprintf("CommunityGameFramework / contact=@XertroV,cgf@xk.io / server-version=%s", consts.Version),
		log:       log,
	}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body from %s: %w", url, err)
	}
	return body, nil
}

type searchResults struct {
	Results        []models.Map `json:"results"`
	TotalItemCount int64        `json:"totalItemCount"`
}

// excludedTags keeps Kacky, Royal, and Arena tracks out of the random
// rotation.
const excludedTags = "23,37,40"

// RandomMap asks the exchange for one random track.
func (c *Client) RandomMap(ctx context.Context) (*models.Map, error) {
	body, err := c.get(ctx, c.BaseURL+"/mapsearch2/search?api=on&random=1&etags="+excludedTags)
	if err != nil {
		return nil, err
	}
	var sr searchResults
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decoding random map search: %w", err)
	}
	if len(sr.Results) == 0 {
		return nil, fmt.Errorf("random map search returned no results")
	}
	return &sr.Results[0], nil
}

// LatestMaps returns the newest uploads, most recent first.
func (c *Client) LatestMaps(ctx context.Context, limit int) ([]models.Map, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/mapsearch2/search?api=on&limit=%d", c.BaseURL, limit))
	if err != nil {
		return nil, err
	}
	var sr searchResults
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decoding latest maps: %w", err)
	}
	return sr.Results, nil
}

// DownloadMap fetches the raw .Map.Gbx bytes for a track.
func (c *Client) DownloadMap(ctx context.Context, trackID int64) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("%s/maps/download/%d", c.BaseURL, trackID))
}

// MapInfo fetches the full record for a single track.
func (c *Client) MapInfo(ctx context.Context, trackID int64) (*models.Map, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/api/maps/get_map_info/id/%d", c.BaseURL, trackID))
	if err != nil {
		return nil, err
	}
	var m models.Map
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding map %d info: %w", trackID, err)
	}
	return &m, nil
}

// MapInfos fetches full records for up to 50 tracks by id.
func (c *Client) MapInfos(ctx context.Context, trackIDs []int64) ([]models.Map, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	parts := make([]string, len(trackIDs))
	for i, id := range trackIDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	body, err := c.get(ctx, c.BaseURL+"/api/maps/get_map_info/multi/"+strings.Join(parts, ","))
	if err != nil {
		return nil, err
	}
	var maps []models.Map
	if err := json.Unmarshal(body, &maps); err != nil {
		return nil, fmt.Errorf("decoding map infos: %w", err)
	}
	return maps, nil
}

// MapPackInfo fetches a map pack's own record, without its track list.
func (c *Client) MapPackInfo(ctx context.Context, packID int64) (*models.MapPack, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/api/mappack/get_mappack_info/%d", c.BaseURL, packID))
	if err != nil {
		return nil, err
	}
	var pack models.MapPack
	if err := json.Unmarshal(body, &pack); err != nil {
		return nil, fmt.Errorf("decoding map pack %d info: %w", packID, err)
	}
	return &pack, nil
}

// MapPackTracks lists the tracks of a map pack.
func (c *Client) MapPackTracks(ctx context.Context, packID int64) ([]models.Map, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/api/mappack/get_mappack_tracks/%d", c.BaseURL, packID))
	if err != nil {
		return nil, err
	}
	var maps []models.Map
	if err := json.Unmarshal(body, &maps); err != nil {
		return nil, fmt.Errorf("decoding map pack %d tracks: %w", packID, err)
	}
	return maps, nil
}

type totdMonth struct {
	RelativeNextRequest int64 `json:"relativeNextRequest"`
	Days                []struct {
		MonthDay int `json:"monthday"`
		Map      struct {
			MapUID     string `json:"mapUid"`
			ExchangeID int64  `json:"exchangeid"`
		} `json:"map"`
	} `json:"days"`
}

// TOTDExchangeIDs returns the exchange track ids of the current month's
// tracks of the day, plus how long the API asks us to wait before polling
// again. Tracks never uploaded to the exchange are skipped.
func (c *Client) TOTDExchangeIDs(ctx context.Context) ([]int64, time.Duration, error) {
	body, err := c.get(ctx, c.IOBaseURL+"/api/totd/0")
	if err != nil {
		return nil, 0, err
	}
	var month totdMonth
	if err := json.Unmarshal(body, &month); err != nil {
		return nil, 0, fmt.Errorf("decoding totd month: %w", err)
	}
	var ids []int64
	for _, day := range month.Days {
		if day.Map.ExchangeID != 0 {
			ids = append(ids, day.Map.ExchangeID)
		}
	}
	return ids, time.Duration(month.RelativeNextRequest) * time.Second, nil
}
