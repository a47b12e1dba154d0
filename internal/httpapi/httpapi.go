// internal/httpapi/httpapi.go
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/XertroV/cgf-server/internal/consts"
	"github.com/XertroV/cgf-server/internal/core"
	"github.com/XertroV/cgf-server/internal/middleware"
)

const shutdownGrace = 5 * time.Second

// API is the HTTP face of the server: liveness, a status snapshot, and a
// websocket bridge onto the same framed session protocol the TCP port
// speaks.
type API struct {
	deps *core.Deps
	echo *echo.Echo
}

func New(deps *core.Deps) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &API{deps: deps, echo: e}
	e.Use(middleware.RequestLogger(deps.Log))
	e.GET("/healthz", a.healthz)
	e.GET("/status", a.status)
	e.GET("/ws", a.ws)
	return a
}

func (a *API) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (a *API) status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":     consts.Version,
		"n_clients":   a.deps.Registry.NClients(),
		"n_lobbies":   a.deps.Registry.NLobbies(),
		"uptime_secs": a.deps.Registry.UptimeSecs(),
	})
}

// ws upgrades the connection and drives a full game session over it. Frames
// ride inside binary websocket messages; websocket.NetConn presents them as
// a byte stream, so the session code cannot tell the transports apart.
func (a *API) ws(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.deps.Log.WithError(err).Warn("websocket accept failed")
		return nil
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	middleware.WSConnected(a.deps.Log, c.RealIP(), c.Request().URL.Path)

	ctx := c.Request().Context()
	nc := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	core.NewSession(a.deps, nc).Run(ctx)
	middleware.WSClosed(a.deps.Log, c.RealIP(), c.Request().URL.Path, ctx.Err())
	return nil
}

// Start serves until ctx ends, then drains in-flight requests briefly
// before forcing remaining connections (held-open websockets) closed.
func (a *API) Start(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- a.echo.Start(addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.echo.Shutdown(shctx); err != nil {
		a.echo.Close()
	}
	<-errc
	return nil
}
