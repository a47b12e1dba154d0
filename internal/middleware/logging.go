// internal/middleware/logging.go
package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs the method, path, status, and duration of each request
// under a correlation id.
func RequestLogger(log *logrus.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.WithFields(logrus.Fields{
				"rid":      uuid.NewString(),
				"method":   c.Request().Method,
				"path":     c.Request().URL.Path,
				"status":   c.Response().Status,
				"duration": time.Since(start),
				"remote":   c.RealIP(),
			}).Info("HTTP Request")
			return nil
		}
	}
}

// WSConnected logs a websocket client arriving on the session bridge.
func WSConnected(log *logrus.Logger, remote, path string) {
	log.WithFields(logrus.Fields{
		"remote": remote,
		"path":   path,
	}).Info("WebSocket connected")
}

// WSClosed logs a websocket client leaving the session bridge.
func WSClosed(log *logrus.Logger, remote, path string, err error) {
	fields := logrus.Fields{
		"remote": remote,
		"path":   path,
	}
	if err != nil {
		fields["error"] = err
	}
	log.WithFields(fields).Info("WebSocket disconnected")
}
