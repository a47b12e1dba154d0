// internal/maps/provider.go
package maps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/XertroV/cgf-server/internal/blob"
	"github.com/XertroV/cgf-server/internal/cache"
	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/models"
)

const (
	maintainIdleWait = 100 * time.Millisecond
	cacheStagger     = 100 * time.Millisecond
	backfillInterval = 300 * time.Millisecond

	// A handout scans at most this many pooled maps before giving up and
	// sampling the catalog instead.
	maxPoolChecks = 100

	// Refill attempts per handout when the pool runs dry. Keeps a dead
	// exchange API from wedging room provisioning.
	maxRefills = 3

	// A failed blob fill is retried this many times before giving up.
	cacheRetries = 10
)

// cacheRetryWait is a var so retry tests don't sit through real waits.
var cacheRetryWait = 10 * time.Second

// Catalog is the slice of the exchange client the provider uses.
type Catalog interface {
	RandomMap(ctx context.Context) (*models.Map, error)
	DownloadMap(ctx context.Context, trackID int64) ([]byte, error)
	MapInfos(ctx context.Context, trackIDs []int64) ([]models.Map, error)
	MapPackInfo(ctx context.Context, packID int64) (*models.MapPack, error)
	MapPackTracks(ctx context.Context, packID int64) ([]models.Map, error)
	TOTDExchangeIDs(ctx context.Context) ([]int64, time.Duration, error)
}

// Store is the slice of the database the provider uses.
type Store interface {
	InsertMap(ctx context.Context, m *models.Map) error
	KnownMapIDs(ctx context.Context) ([]int64, error)
	LoadMap(ctx context.Context, trackID int64) (*models.Map, error)
	RandomMapsFiltered(ctx context.Context, minSecs, maxSecs, maxDifficulty, limit int, exclude []int64) ([]models.Map, error)
	SaveMapPack(doc models.MapPack)
}

// BlobCache is the slice of object storage the provider uses.
type BlobCache interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutPublic(ctx context.Context, key string, data []byte, contentType string) error
	ListTrackIDs(ctx context.Context) (map[int64]bool, error)
}

// Queue is the pool of pre-fetched random track ids.
type Queue interface {
	Len(ctx context.Context) (int64, error)
	Push(ctx context.Context, trackID int64) error
	Pop(ctx context.Context) (int64, bool, error)
}

// RedisQueue backs Queue with the shared Redis list.
type RedisQueue struct{}

func (RedisQueue) Len(ctx context.Context) (int64, error)        { return cache.MapQueueLen(ctx) }
func (RedisQueue) Push(ctx context.Context, id int64) error      { return cache.PushMapID(ctx, id) }
func (RedisQueue) Pop(ctx context.Context) (int64, bool, error)  { return cache.PopMapID(ctx) }

// Provider keeps a pool of random maps topped up, mirrors their files to
// object storage, and hands filtered selections to rooms.
type Provider struct {
	catalog   Catalog
	store     Store
	blobs     BlobCache
	queue     Queue
	log       *logrus.Logger
	maintainN int

	mu    sync.Mutex
	known map[int64]bool
}

// NewProvider wires a provider; call Init before the maintainer loops.
func NewProvider(catalog Catalog, store Store, blobs BlobCache, queue Queue, maintainN int, log *logrus.Logger) *Provider {
	return &Provider{
		catalog:   catalog,
		store:     store,
		blobs:     blobs,
		queue:     queue,
		log:       log,
		maintainN: maintainN,
		known:     make(map[int64]bool),
	}
}

// Init loads the known track ids and kicks off the blob backfill.
func (p *Provider) Init(ctx context.Context) error {
	ids, err := p.store.KnownMapIDs(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, id := range ids {
		p.known[id] = true
	}
	p.mu.Unlock()
	p.log.Infof("known maps: %d", len(ids))

	if p.blobs != nil {
		go p.ensureKnownCached(ctx)
	}
	return nil
}

func (p *Provider) isKnown(trackID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[trackID]
}

func (p *Provider) markKnown(trackID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known[trackID] {
		return false
	}
	p.known[trackID] = true
	return true
}

// KnownCount reports the catalog size held in memory.
func (p *Provider) KnownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known)
}

// StartMaintainer tops the pool back up to maintainN whenever it dips.
func (p *Provider) StartMaintainer(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			qlen, err := p.queue.Len(ctx)
			if err != nil {
				p.log.Errorf("map queue length check failed: %v", err)
				sleepCtx(ctx, time.Second)
				continue
			}
			if int(qlen) < p.maintainN {
				p.addMoreRandomMaps(ctx, p.maintainN-int(qlen))
			} else {
				sleepCtx(ctx, maintainIdleWait)
			}
		}
	}()
}

// addMoreRandomMaps fetches n random maps concurrently. Each downloadable
// result is recorded, queued, and scheduled for blob caching with a small
// stagger so the exchange isn't hammered.
func (p *Provider) addMoreRandomMaps(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	p.log.Infof("fetching %d random maps", n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		delay := time.Duration(i) * cacheStagger
		g.Go(func() error {
			m, err := p.catalog.RandomMap(gctx)
			if err != nil {
				p.log.Warnf("could not get random map: %v", err)
				return nil
			}
			if !m.Downloadable {
				return nil
			}
			p.adoptMap(gctx, m, delay, true)
			return nil
		})
	}
	g.Wait()
	p.log.Infof("fetched %d random maps", n)
}

// adoptMap records an exchange result: unseen maps go to the database, the
// id joins the pool when pool is set, and the file gets cached.
func (p *Provider) adoptMap(ctx context.Context, m *models.Map, cacheDelay time.Duration, pool bool) {
	if p.markKnown(m.TrackID) {
		if err := p.store.InsertMap(ctx, m); err != nil {
			p.log.Errorf("failed to store map %d: %v", m.TrackID, err)
		}
	}
	if pool {
		if err := p.queue.Push(ctx, m.TrackID); err != nil {
			p.log.Errorf("failed to queue map %d: %v", m.TrackID, err)
		}
	}
	go p.CacheMap(ctx, m.TrackID, cacheDelay, false)
}

// CacheMap mirrors a map file into object storage unless already present.
// A failed download or upload is retried on a fixed cadence before the map
// is given up on; the next existence check will try again lazily. A nil
// blob cache turns this into a no-op.
func (p *Provider) CacheMap(ctx context.Context, trackID int64, delay time.Duration, force bool) {
	if p.blobs == nil {
		return
	}
	if delay > 0 && !sleepCtx(ctx, delay) {
		return
	}
	key := blob.MapKey(trackID)
	if !force {
		exists, err := p.blobs.Exists(ctx, key)
		if err != nil {
			p.log.Warnf("blob existence check failed for %s: %v", key, err)
			return
		}
		if exists {
			return
		}
	}
	p.log.Infof("caching map: %s", key)
	for attempt := 1; ; attempt++ {
		err := p.cacheOnce(ctx, trackID, key)
		if err == nil {
			p.log.Infof("uploaded map to cache: %s", key)
			return
		}
		if attempt >= cacheRetries {
			p.log.Errorf("giving up on caching %s after %d attempts: %v", key, attempt, err)
			return
		}
		p.log.Warnf("caching %s failed (attempt %d): %v", key, attempt, err)
		if !sleepCtx(ctx, cacheRetryWait) {
			return
		}
	}
}

func (p *Provider) cacheOnce(ctx context.Context, trackID int64, key string) error {
	data, err := p.catalog.DownloadMap(ctx, trackID)
	if err != nil {
		return fmt.Errorf("download map %d: %w", trackID, err)
	}
	if err := p.blobs.PutPublic(ctx, key, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("upload map %d: %w", trackID, err)
	}
	return nil
}

// ensureKnownCached backfills the blob cache for maps that predate it,
// pacing the scan so it never competes with live traffic.
func (p *Provider) ensureKnownCached(ctx context.Context) {
	cached, err := p.blobs.ListTrackIDs(ctx)
	if err != nil {
		p.log.Errorf("could not list cached maps: %v", err)
		return
	}
	p.mu.Lock()
	var uncached []int64
	for id := range p.known {
		if !cached[id] {
			uncached = append(uncached, id)
		}
	}
	p.mu.Unlock()

	p.log.Infof("backfilling %d uncached known maps", len(uncached))
	for _, id := range uncached {
		if !sleepCtx(ctx, backfillInterval) {
			return
		}
		go p.CacheMap(ctx, id, 0, false)
	}
}

// snapRange normalizes a requested length window onto the 15s grid the
// exchange buckets lengths by.
func snapRange(minSecs, maxSecs int) (int, int) {
	if minSecs < 0 {
		minSecs = 0
	}
	if maxSecs > consts.LongMapSecs {
		maxSecs = consts.LongMapSecs
	}
	minSecs -= minSecs % 15
	if maxSecs%15 != 0 {
		maxSecs += 15 - maxSecs%15
	}
	if minSecs >= maxSecs {
		maxSecs = minSecs + 15
	}
	return minSecs, maxSecs
}

// GetSomeMaps streams n maps matching the filters. Pooled maps are tried
// first; if too many fail the filters the catalog is sampled for the rest.
// The channel closes once n maps were sent or both sources are exhausted.
func (p *Provider) GetSomeMaps(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) <-chan *models.Map {
	out := make(chan *models.Map, n)
	go func() {
		defer close(out)
		minSecs, maxSecs = snapRange(minSecs, maxSecs)

		sent := 0
		checked := 0
		refills := 0
		var given []int64

		for sent < n && checked < maxPoolChecks {
			if ctx.Err() != nil {
				return
			}
			id, ok, err := p.queue.Pop(ctx)
			if err != nil {
				p.log.Errorf("map queue pop failed: %v", err)
				break
			}
			if !ok {
				if refills >= maxRefills {
					break
				}
				refills++
				p.addMoreRandomMaps(ctx, n-sent)
				continue
			}
			checked++

			m, err := p.store.LoadMap(ctx, id)
			if err != nil || m == nil {
				continue
			}
			if m.LengthSecs < minSecs || m.LengthSecs > maxSecs || m.Difficulty() > maxDifficulty {
				continue
			}
			out <- m
			given = append(given, id)
			sent++
		}

		if sent >= n {
			return
		}
		extra, err := p.store.RandomMapsFiltered(ctx, minSecs, maxSecs, maxDifficulty, n-sent, given)
		if err != nil {
			p.log.Errorf("map fallback sample failed: %v", err)
			return
		}
		for i := range extra {
			out <- &extra[i]
		}
	}()
	return out
}

// GetMapPackMaps resolves a map pack and streams its downloadable tracks,
// recording the pack and any unseen tracks on the way through. Pack tracks
// never join the random pool.
func (p *Provider) GetMapPackMaps(ctx context.Context, packID int64) <-chan *models.Map {
	out := make(chan *models.Map)
	go func() {
		defer close(out)
		pack, err := p.catalog.MapPackInfo(ctx, packID)
		if err != nil {
			p.log.Errorf("map pack %d lookup failed: %v", packID, err)
			return
		}
		tracks, err := p.catalog.MapPackTracks(ctx, packID)
		if err != nil {
			p.log.Errorf("map pack %d track list failed: %v", packID, err)
			return
		}
		pack.Tracks = tracks
		p.store.SaveMapPack(*pack)
		for i := range tracks {
			m := &tracks[i]
			if !m.Downloadable {
				continue
			}
			p.adoptMap(ctx, m, time.Duration(i)*cacheStagger, false)
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// GetTOTDMaps streams the current track-of-the-day listing, newest first as
// the upstream reports it. Same adoption rules as packs.
func (p *Provider) GetTOTDMaps(ctx context.Context) <-chan *models.Map {
	out := make(chan *models.Map)
	go func() {
		defer close(out)
		ids, _, err := p.catalog.TOTDExchangeIDs(ctx)
		if err != nil {
			p.log.Errorf("totd listing failed: %v", err)
			return
		}
		infos, err := p.catalog.MapInfos(ctx, ids)
		if err != nil {
			p.log.Errorf("totd map info fetch failed: %v", err)
			return
		}
		for i := range infos {
			m := &infos[i]
			p.adoptMap(ctx, m, time.Duration(i)*cacheStagger, false)
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// StartTOTDLoop keeps the daily tracks mirrored into the catalog and blob
// cache. They are deliberately not pooled; the random queue stays random.
// The sleep between polls is whatever the API reports as its next-request
// interval.
func (p *Provider) StartTOTDLoop(ctx context.Context) {
	go func() {
		for {
			ids, next, err := p.catalog.TOTDExchangeIDs(ctx)
			if err != nil {
				p.log.Warnf("totd fetch failed, retrying in 5s: %v", err)
				if !sleepCtx(ctx, 5*time.Second) {
					return
				}
				continue
			}

			var missing []int64
			for _, id := range ids {
				if !p.isKnown(id) {
					missing = append(missing, id)
				}
			}
			if len(missing) > 0 {
				infos, err := p.catalog.MapInfos(ctx, missing)
				if err != nil {
					p.log.Warnf("totd map info fetch failed: %v", err)
				} else {
					for i := range infos {
						p.adoptMap(ctx, &infos[i], time.Duration(i)*cacheStagger, false)
					}
				}
			}

			if next <= 0 {
				next = 6 * time.Hour
			}
			if !sleepCtx(ctx, next) {
				return
			}
		}
	}()
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
