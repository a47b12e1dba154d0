// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/XertroV/cgf-server/internal/auth"
	"github.com/XertroV/cgf-server/internal/blob"
	"github.com/XertroV/cgf-server/internal/cache"
	"github.com/XertroV/cgf-server/internal/config"
	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/core"
	"github.com/XertroV/cgf-server/internal/database"
	"github.com/XertroV/cgf-server/internal/httpapi"
	"github.com/XertroV/cgf-server/internal/maps"
	"github.com/XertroV/cgf-server/internal/nadeo"
	"github.com/XertroV/cgf-server/internal/server"
	"github.com/XertroV/cgf-server/internal/tmx"
	"github.com/XertroV/cgf-server/internal/users"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if err := database.RunMigrations(ctx, cfg.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store, err := database.Connect(ctx, cfg.DSN(), log)
	if err != nil {
		return err
	}
	defer store.Close()
	store.StartWriter(ctx)

	userLoadStart := time.Now()
	docs, err := store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	dir := users.NewDirectory(store, log)
	dir.Load(docs)
	log.Infof("Loaded %d users in %.1f ms", dir.Count(), float64(time.Since(userLoadStart).Microseconds())/1000)

	if err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		return err
	}

	var blobs maps.BlobCache
	if blobCreds, err := config.LoadBlobCreds(); err == nil {
		b, err := blob.New(*blobCreds, log)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		blobs = b
	} else {
		log.WithError(err).Warn("no storage host, map file caching disabled")
	}

	provider := maps.NewProvider(tmx.New(log), store, blobs, maps.RedisQueue{}, cfg.MaintainNMaps(), log)
	if err := provider.Init(ctx); err != nil {
		return fmt.Errorf("map provider: %w", err)
	}
	provider.StartMaintainer(ctx)
	provider.StartTOTDLoop(ctx)

	deps := &core.Deps{
		Cfg:      cfg,
		Log:      log,
		Store:    store,
		Users:    dir,
		Maps:     provider,
		Registry: core.NewRegistry(),
	}

	if opCreds, err := config.LoadOpenplanetCreds(); err == nil {
		deps.Verifier = auth.NewOpenplanetVerifier(*opCreds, log)
	} else if cfg.EnableLegacyAuth {
		log.WithError(err).Warn("token auth disabled")
	} else {
		return fmt.Errorf("openplanet creds: %w", err)
	}

	if ubiCreds, err := config.LoadUbiCreds(); err == nil {
		hosts := nadeo.NewSession(*ubiCreds, log)
		hosts.StartAuthLoop(ctx)
		deps.Hosts = hosts
	} else {
		log.Info("no dedicated-server account, club room provisioning disabled")
	}

	if _, err := core.BootstrapLobbies(ctx, deps); err != nil {
		return err
	}

	tcp := server.New(deps)
	if err := tcp.Listen(cfg.Addr()); err != nil {
		return err
	}
	log.Infof("[version: %s] Starting server: %s", consts.Version, tcp.Addr())

	api := httpapi.New(deps)
	log.Infof("status api on %s", cfg.HTTPAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcp.Serve(gctx) })
	g.Go(func() error { return api.Start(gctx, cfg.HTTPAddr()) })
	return g.Wait()
}
