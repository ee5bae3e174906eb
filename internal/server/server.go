package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/runtime"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

// Server is the HTTP surface over the research engine: auth, run
// management, the SSE event stream, saved topics and metrics.
type Server struct {
	cfg    *config.Config
	svc    *runtime.Service
	st     store.Store
	idx    *store.ReportIndex
	logger *log.Logger
}

// Run builds the server from configuration and serves until the
// process exits.
func Run(cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	svc, err := runtime.BuildService(cfg, log.New(log.Writer(), "[ENGINE] ", log.LstdFlags))
	if err != nil {
		return err
	}
	st, err := store.New(context.Background(), cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	var idx *store.ReportIndex
	if cfg.Storage.BleveBase != "" {
		idx, err = store.OpenReportIndex(cfg.Storage.BleveBase)
		if err != nil {
			logger.Printf("warn: report index unavailable: %v", err)
		} else {
			defer idx.Close()
		}
	}

	s := &Server{cfg: cfg, svc: svc, st: st, idx: idx, logger: logger}
	e := s.buildEcho()

	runs := newRunsHandler(s)
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(e.Group("/api/auth"))

	api := e.Group("/api", runtime.EchoAuthMiddleware(secret))
	runs.Register(api)
	topics := &TopicsHandler{srv: s, runs: runs}
	topics.Register(api)
	api.GET("/metrics/summary", func(c echo.Context) error {
		return c.JSON(http.StatusOK, svc.Telemetry.Snapshot())
	})

	sched := newScheduler(s, runs)
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(schedCtx)

	logger.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
