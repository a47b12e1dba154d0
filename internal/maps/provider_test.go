package maps

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XertroV/cgf-server/internal/models"
)

type fakeCatalog struct {
	mu         sync.Mutex
	randoms    []*models.Map
	next       int
	totds      []int64
	infos      map[int64]models.Map
	packInfos  map[int64]*models.MapPack
	packTracks map[int64][]models.Map
	dlCount    int
	dlFail     int
}

func (c *fakeCatalog) RandomMap(ctx context.Context) (*models.Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.randoms) {
		return nil, fmt.Errorf("no more maps")
	}
	m := c.randoms[c.next]
	c.next++
	return m, nil
}

func (c *fakeCatalog) DownloadMap(ctx context.Context, trackID int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dlCount++
	if c.dlFail > 0 {
		c.dlFail--
		return nil, fmt.Errorf("exchange 500")
	}
	return []byte("gbx"), nil
}

func (c *fakeCatalog) downloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dlCount
}

func (c *fakeCatalog) MapPackInfo(ctx context.Context, packID int64) (*models.MapPack, error) {
	if p, ok := c.packInfos[packID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("pack %d not found", packID)
}

func (c *fakeCatalog) MapPackTracks(ctx context.Context, packID int64) ([]models.Map, error) {
	if tracks, ok := c.packTracks[packID]; ok {
		return tracks, nil
	}
	return nil, fmt.Errorf("pack %d not found", packID)
}

func (c *fakeCatalog) MapInfos(ctx context.Context, trackIDs []int64) ([]models.Map, error) {
	var out []models.Map
	for _, id := range trackIDs {
		if m, ok := c.infos[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeCatalog) TOTDExchangeIDs(ctx context.Context) ([]int64, time.Duration, error) {
	return c.totds, time.Hour, nil
}

type fakeStore struct {
	mu       sync.Mutex
	maps     map[int64]models.Map
	inserted []int64
	fallback []models.Map
	packs    []models.MapPack

	fallbackArgs struct {
		minSecs, maxSecs, maxDifficulty, limit int
		exclude                                []int64
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{maps: make(map[int64]models.Map)}
}

func (s *fakeStore) InsertMap(ctx context.Context, m *models.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[m.TrackID] = *m
	s.inserted = append(s.inserted, m.TrackID)
	return nil
}

func (s *fakeStore) KnownMapIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.maps {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) LoadMap(ctx context.Context, trackID int64) (*models.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.maps[trackID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *fakeStore) SaveMapPack(doc models.MapPack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs = append(s.packs, doc)
}

func (s *fakeStore) RandomMapsFiltered(ctx context.Context, minSecs, maxSecs, maxDifficulty, limit int, exclude []int64) ([]models.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbackArgs.minSecs = minSecs
	s.fallbackArgs.maxSecs = maxSecs
	s.fallbackArgs.maxDifficulty = maxDifficulty
	s.fallbackArgs.limit = limit
	s.fallbackArgs.exclude = exclude
	if len(s.fallback) > limit {
		return s.fallback[:limit], nil
	}
	return s.fallback, nil
}

type fakeBlob struct {
	mu       sync.Mutex
	existing map[string]bool
	puts     []string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{existing: make(map[string]bool)}
}

func (b *fakeBlob) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.existing[key], nil
}

func (b *fakeBlob) PutPublic(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.existing[key] = true
	b.puts = append(b.puts, key)
	return nil
}

func (b *fakeBlob) ListTrackIDs(ctx context.Context) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

func (b *fakeBlob) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.puts)
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (q *fakeQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ids)), nil
}

func (q *fakeQueue) Push(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return 0, false, nil
	}
	id := q.ids[len(q.ids)-1]
	q.ids = q.ids[:len(q.ids)-1]
	return id, true, nil
}

func testMap(id int64, lengthSecs int, difficulty string) models.Map {
	return models.Map{
		TrackID:        id,
		Name:           fmt.Sprintf("map-%d", id),
		TrackUID:       fmt.Sprintf("uid-%d", id),
		LengthSecs:     lengthSecs,
		DifficultyName: difficulty,
		Downloadable:   true,
	}
}

func newTestProvider(store *fakeStore, catalog *fakeCatalog, queue *fakeQueue, blobs *fakeBlob) *Provider {
	log := logrus.New()
	return NewProvider(catalog, store, blobs, queue, 5, log)
}

func collect(ch <-chan *models.Map) []*models.Map {
	var out []*models.Map
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestSnapRange(t *testing.T) {
	cases := []struct {
		inMin, inMax, wantMin, wantMax int
	}{
		{15, 45, 15, 45},
		{20, 50, 15, 60},
		{-10, 45, 0, 45},
		{0, 7, 0, 15},
		{60, 60, 60, 75},
		{90, 30, 90, 105},
	}
	for _, tc := range cases {
		gotMin, gotMax := snapRange(tc.inMin, tc.inMax)
		assert.Equal(t, tc.wantMin, gotMin, "min for (%d,%d)", tc.inMin, tc.inMax)
		assert.Equal(t, tc.wantMax, gotMax, "max for (%d,%d)", tc.inMin, tc.inMax)
	}
}

func TestGetSomeMapsFromPool(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	for _, m := range []models.Map{
		testMap(1, 30, "Beginner"),
		testMap(2, 500, "Beginner"), // too long, filtered
		testMap(3, 45, "Intermediate"),
		testMap(4, 30, "Impossible"), // too hard, filtered
		testMap(5, 15, "Advanced"),
	} {
		store.maps[m.TrackID] = m
		require.NoError(t, queue.Push(context.Background(), m.TrackID))
	}

	p := newTestProvider(store, &fakeCatalog{}, queue, newFakeBlob())
	got := collect(p.GetSomeMaps(context.Background(), 3, 15, 60, 3))

	require.Len(t, got, 3)
	for _, m := range got {
		assert.LessOrEqual(t, m.LengthSecs, 60)
		assert.GreaterOrEqual(t, m.LengthSecs, 15)
		assert.LessOrEqual(t, m.Difficulty(), 3)
	}
}

func TestGetSomeMapsFallsBackToCatalogSample(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	// The only pooled map fails the length filter.
	long := testMap(9, 700, "Beginner")
	store.maps[long.TrackID] = long
	require.NoError(t, queue.Push(context.Background(), long.TrackID))

	fb := testMap(20, 45, "Beginner")
	store.fallback = []models.Map{fb}

	p := newTestProvider(store, &fakeCatalog{}, queue, newFakeBlob())
	got := collect(p.GetSomeMaps(context.Background(), 1, 15, 60, 3))

	require.Len(t, got, 1)
	assert.Equal(t, int64(20), got[0].TrackID)
	assert.Equal(t, 1, store.fallbackArgs.limit)
	assert.Equal(t, 15, store.fallbackArgs.minSecs)
	assert.Equal(t, 60, store.fallbackArgs.maxSecs)
}

func TestGetSomeMapsExcludesAlreadyGiven(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	ok1 := testMap(1, 30, "Beginner")
	store.maps[ok1.TrackID] = ok1
	require.NoError(t, queue.Push(context.Background(), ok1.TrackID))

	store.fallback = []models.Map{testMap(2, 30, "Beginner")}

	p := newTestProvider(store, &fakeCatalog{}, queue, newFakeBlob())
	got := collect(p.GetSomeMaps(context.Background(), 2, 15, 60, 3))

	require.Len(t, got, 2)
	assert.Equal(t, []int64{1}, store.fallbackArgs.exclude)
}

func TestAddMoreRandomMaps(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	blobs := newFakeBlob()

	m1 := testMap(100, 30, "Beginner")
	m2 := testMap(101, 45, "Beginner")
	noDl := testMap(102, 45, "Beginner")
	noDl.Downloadable = false

	catalog := &fakeCatalog{randoms: []*models.Map{&m1, &noDl, &m2}}
	p := newTestProvider(store, catalog, queue, blobs)

	p.addMoreRandomMaps(context.Background(), 3)

	n, err := queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "non-downloadable maps must not be pooled")

	store.mu.Lock()
	inserted := len(store.inserted)
	store.mu.Unlock()
	assert.Equal(t, 2, inserted)

	// Caching runs on staggered goroutines.
	assert.Eventually(t, func() bool { return blobs.putCount() == 2 },
		2*time.Second, 20*time.Millisecond)
}

func TestAdoptMapInsertsOnlyUnseen(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	p := newTestProvider(store, &fakeCatalog{}, queue, newFakeBlob())

	m := testMap(7, 30, "Beginner")
	p.adoptMap(context.Background(), &m, 0, true)
	p.adoptMap(context.Background(), &m, 0, true)

	store.mu.Lock()
	inserted := len(store.inserted)
	store.mu.Unlock()
	assert.Equal(t, 1, inserted, "second sighting must not re-insert")

	n, _ := queue.Len(context.Background())
	assert.Equal(t, int64(2), n, "every sighting joins the pool")
}

func TestCacheMapSkipsExisting(t *testing.T) {
	blobs := newFakeBlob()
	blobs.existing["7.Map.Gbx"] = true
	catalog := &fakeCatalog{}
	p := newTestProvider(newFakeStore(), catalog, &fakeQueue{}, blobs)

	p.CacheMap(context.Background(), 7, 0, false)
	assert.Equal(t, 0, catalog.dlCount)
	assert.Equal(t, 0, blobs.putCount())

	p.CacheMap(context.Background(), 7, 0, true)
	assert.Equal(t, 1, catalog.dlCount, "force bypasses the existence check")
}

func TestCacheMapRetriesUntilSuccess(t *testing.T) {
	old := cacheRetryWait
	cacheRetryWait = time.Millisecond
	defer func() { cacheRetryWait = old }()

	blobs := newFakeBlob()
	catalog := &fakeCatalog{dlFail: 2}
	p := newTestProvider(newFakeStore(), catalog, &fakeQueue{}, blobs)

	p.CacheMap(context.Background(), 7, 0, false)

	assert.Equal(t, 3, catalog.downloads())
	assert.Equal(t, 1, blobs.putCount())
}

func TestCacheMapGivesUpAfterRetries(t *testing.T) {
	old := cacheRetryWait
	cacheRetryWait = time.Millisecond
	defer func() { cacheRetryWait = old }()

	blobs := newFakeBlob()
	catalog := &fakeCatalog{dlFail: 1000}
	p := newTestProvider(newFakeStore(), catalog, &fakeQueue{}, blobs)

	p.CacheMap(context.Background(), 7, 0, false)

	assert.Equal(t, cacheRetries, catalog.downloads())
	assert.Equal(t, 0, blobs.putCount())
}

func TestMapPackYieldAndRecord(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	hidden := testMap(32, 45, "Advanced")
	hidden.Downloadable = false
	catalog := &fakeCatalog{
		packInfos: map[int64]*models.MapPack{
			501: {ID: 501, Name: "spring campaign", TrackCount: 3},
		},
		packTracks: map[int64][]models.Map{
			501: {testMap(30, 30, "Beginner"), testMap(31, 60, "Intermediate"), hidden},
		},
	}
	p := newTestProvider(store, catalog, queue, newFakeBlob())

	got := collect(p.GetMapPackMaps(context.Background(), 501))

	require.Len(t, got, 2, "non-downloadable pack tracks are dropped")
	assert.Equal(t, int64(30), got[0].TrackID)
	assert.Equal(t, int64(31), got[1].TrackID)

	store.mu.Lock()
	require.Len(t, store.packs, 1)
	assert.Equal(t, int64(501), store.packs[0].ID)
	assert.Len(t, store.packs[0].Tracks, 3, "the stored pack keeps its full track list")
	inserted := len(store.inserted)
	store.mu.Unlock()
	assert.Equal(t, 2, inserted)

	n, _ := queue.Len(context.Background())
	assert.Zero(t, n, "pack tracks must not join the random pool")
}

func TestMapPackLookupFailureYieldsNothing(t *testing.T) {
	p := newTestProvider(newFakeStore(), &fakeCatalog{}, &fakeQueue{}, newFakeBlob())
	got := collect(p.GetMapPackMaps(context.Background(), 404))
	assert.Empty(t, got)
}

func TestTOTDEnumerationYields(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	catalog := &fakeCatalog{
		totds: []int64{601, 602},
		infos: map[int64]models.Map{
			601: testMap(601, 45, "Beginner"),
			602: testMap(602, 60, "Expert"),
		},
	}
	p := newTestProvider(store, catalog, queue, newFakeBlob())

	got := collect(p.GetTOTDMaps(context.Background()))

	require.Len(t, got, 2)
	store.mu.Lock()
	inserted := len(store.inserted)
	store.mu.Unlock()
	assert.Equal(t, 2, inserted)

	n, _ := queue.Len(context.Background())
	assert.Zero(t, n, "daily tracks must not join the random pool")
}
