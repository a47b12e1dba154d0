package tmx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(logrus.New())
	c.BaseURL = srv.URL
	c.IOBaseURL = srv.URL
	return c
}

func TestRandomMap(t *testing.T) {
	var gotUA string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		require.Equal(t, "/mapsearch2/search", r.URL.Path)
		require.Equal(t, "on", r.URL.Query().Get("api"))
		require.Equal(t, "1", r.URL.Query().Get("random"))
		require.Equal(t, "23,37,40", r.URL.Query().Get("etags"))
		w.Write([]byte(`{"results":[{"TrackID":101,"Name":"Spring Drift","TrackUID":"abc123",
			"LengthName":"1 min","DifficultyName":"Advanced","Downloadable":true}],"totalItemCount":1}`))
	})

	m, err := c.RandomMap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(101), m.TrackID)
	assert.Equal(t, "Spring Drift", m.Name)
	assert.True(t, m.Downloadable)
	assert.True(t, strings.HasPrefix(gotUA, "CommunityGameFramework / contact=@XertroV,cgf@xk.io"), "UA was %q", gotUA)
}

func TestRandomMapEmptyResults(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[],"totalItemCount":0}`))
	})
	_, err := c.RandomMap(context.Background())
	assert.Error(t, err)
}

func TestDownloadMap(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/maps/download/555", r.URL.Path)
		w.Write([]byte("GBX-bytes"))
	})
	data, err := c.DownloadMap(context.Background(), 555)
	require.NoError(t, err)
	assert.Equal(t, []byte("GBX-bytes"), data)
}

func TestDownloadMapServerError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.DownloadMap(context.Background(), 555)
	assert.Error(t, err)
}

func TestLatestMaps(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mapsearch2/search", r.URL.Path)
		require.Equal(t, "on", r.URL.Query().Get("api"))
		require.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"results":[{"TrackID":3},{"TrackID":2},{"TrackID":1}],"totalItemCount":3}`))
	})
	maps, err := c.LatestMaps(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, maps, 3)
	assert.Equal(t, int64(3), maps[0].TrackID)
}

func TestMapInfo(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/maps/get_map_info/id/77", r.URL.Path)
		w.Write([]byte(`{"TrackID":77,"Name":"Solo","LengthName":"45 secs"}`))
	})
	m, err := c.MapInfo(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, int64(77), m.TrackID)
	assert.Equal(t, "Solo", m.Name)
}

func TestMapInfos(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/maps/get_map_info/multi/7,8", r.URL.Path)
		w.Write([]byte(`[{"TrackID":7,"Name":"a"},{"TrackID":8,"Name":"b"}]`))
	})
	maps, err := c.MapInfos(context.Background(), []int64{7, 8})
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, "b", maps[1].Name)

	maps, err = c.MapInfos(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, maps)
}

func TestMapPackInfo(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/mappack/get_mappack_info/42", r.URL.Path)
		w.Write([]byte(`{"ID":42,"Name":"Summer 2023","TrackCount":25}`))
	})
	pack, err := c.MapPackInfo(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pack.ID)
	assert.Equal(t, "Summer 2023", pack.Name)
	assert.Equal(t, 25, pack.TrackCount)
}

func TestMapPackTracks(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/mappack/get_mappack_tracks/42", r.URL.Path)
		w.Write([]byte(`[{"TrackID":1,"Name":"a"},{"TrackID":2,"Name":"b"}]`))
	})
	maps, err := c.MapPackTracks(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, int64(2), maps[1].TrackID)
}

func TestTOTDExchangeIDs(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/totd/0", r.URL.Path)
		w.Write([]byte(`{"relativeNextRequest":3600,"days":[
			{"monthday":1,"map":{"mapUid":"u1","exchangeid":900}},
			{"monthday":2,"map":{"mapUid":"u2","exchangeid":0}},
			{"monthday":3,"map":{"mapUid":"u3","exchangeid":901}}]}`))
	})
	ids, next, err := c.TOTDExchangeIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{900, 901}, ids)
	assert.Equal(t, time.Hour, next)
}
