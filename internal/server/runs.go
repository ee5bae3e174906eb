package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

// RunsHandler starts research sessions and serves their state and
// event streams.
type RunsHandler struct {
	srv *Server

	mu     sync.RWMutex
	active map[string]*core.Session
}

func newRunsHandler(s *Server) *RunsHandler {
	return &RunsHandler{srv: s, active: make(map[string]*core.Session)}
}

// Register mounts the run routes.
func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("/research", h.startResearch)
	g.GET("/runs", h.listRuns)
	g.GET("/runs/:id", h.getRun)
	g.GET("/runs/:id/events", h.streamEvents)
	g.POST("/runs/:id/cancel", h.cancelRun)
}

func (h *RunsHandler) startResearch(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	session := h.launch(req.Query)
	return c.JSON(http.StatusAccepted, ResearchResponse{SessionID: session.ID})
}

// launch starts one research run in the background and persists the
// record when it finishes. Also used by the topic scheduler.
func (h *RunsHandler) launch(query string) *core.Session {
	session := h.srv.svc.Engine.StartSession(context.Background(), query)
	h.mu.Lock()
	h.active[session.ID] = session
	h.mu.Unlock()

	go func() {
		<-session.Done()
		h.persist(session)
	}()
	return session
}

func (h *RunsHandler) persist(session *core.Session) {
	rec := store.RecordFromSessionWithConfig(session, h.srv.cfg.Research)
	if err := h.srv.st.SaveSession(context.Background(), rec); err != nil {
		h.srv.logger.Printf("persisting session %s failed: %v", session.ID, err)
	}
	if h.srv.idx != nil {
		if err := h.srv.idx.Index(rec); err != nil {
			h.srv.logger.Printf("indexing session %s failed: %v", session.ID, err)
		}
	}
	h.mu.Lock()
	delete(h.active, session.ID)
	h.mu.Unlock()
}

func (h *RunsHandler) listRuns(c echo.Context) error {
	list, err := h.srv.st.ListSessions(c.Request().Context(), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, list)
}

func (h *RunsHandler) getRun(c echo.Context) error {
	rec, err := h.srv.st.GetSession(c.Request().Context(), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *RunsHandler) cancelRun(c echo.Context) error {
	id := c.Param("id")
	h.mu.RLock()
	session, ok := h.active[id]
	h.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active run with that id")
	}
	session.Cancel()
	return c.NoContent(http.StatusAccepted)
}

// streamEvents relays the engine's event bus to the client as SSE,
// filtered to one session.
func (h *RunsHandler) streamEvents(c echo.Context) error {
	id := c.Param("id")
	sub := h.srv.svc.Engine.Bus().Subscribe(512)
	defer sub.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.SessionID != "" && ev.SessionID != id {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
