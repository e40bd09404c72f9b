// Package api is the HTTP boundary: uploads, status polling, document reads
// and a websocket relay of task notifications.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tendant/simple-docworker/internal/logger"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/submit"
	"github.com/tendant/simple-docworker/pkg/schema"
)

type Uploader interface {
	Upload(ctx context.Context, u submit.Upload) (*process.Job, error)
}

type StatusQuerier interface {
	Query(ctx context.Context, id string) schema.StatusSnapshot
	Document(ctx context.Context, id string) (schema.DocumentView, error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (*process.Job, error)
}

type FileOpener interface {
	Open(ctx context.Context, sourceRef string) (io.ReadCloser, error)
}

// Watcher subscribes to a notification subject.
type Watcher interface {
	Watch(subject string, fn func(data []byte)) (stop func(), err error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Uploader Uploader
	Status   StatusQuerier
	Jobs     JobReader
	Files    FileOpener
	Watcher  Watcher
	Checks   map[string]Check
	Metrics  http.Handler
	Logger   *slog.Logger

	MaxUploadBytes int64
	// WSRate caps websocket frames per second per client.
	WSRate float64
}

type Handler struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WSRate <= 0 {
		d.WSRate = 10
	}
	log := d.Logger.With(logger.Scope("api"))
	h := &Handler{
		deps:   d,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(
		middleware.RequestID(),
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				p := c.Request().URL.Path
				return p == "/healthz" || p == "/metrics"
			},
			LogURI:       true,
			LogStatus:    true,
			LogLatency:   true,
			LogError:     true,
			LogMethod:    true,
			LogRequestID: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency", v.Latency,
					"request_id", v.RequestID,
				}
				if v.Error != nil {
					log.Warn("request failed", append(attrs, "err", v.Error)...)
					return nil
				}
				log.Info("request", attrs...)
				return nil
			},
		}),
		middleware.RecoverWithConfig(middleware.RecoverConfig{
			LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
				log.Error("panic recovered", "err", err, "stack", string(stack))
				return nil
			},
		}),
	)

	RegisterRoutes(e, h)
	return e
}

func RegisterRoutes(e *echo.Echo, h *Handler) {
	v1 := e.Group("/api/v1")
	{
		v1.POST("/documents", h.UploadDocument)
		v1.GET("/documents/:id", h.GetDocument)
		v1.GET("/tasks/:id", h.GetTaskStatus)
		v1.GET("/files/:id", h.GetFile)
	}
	e.GET("/ws/tasks/:id", h.WatchTask)
	e.GET("/healthz", h.Health)
	if h.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.deps.Metrics))
	}
}

// Health runs every check with a short deadline.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
