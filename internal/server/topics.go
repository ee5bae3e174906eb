package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepscout/internal/store"
)

// TopicsHandler manages saved queries and their schedules.
type TopicsHandler struct {
	srv  *Server
	runs *RunsHandler
}

// Register mounts the topic routes.
func (h *TopicsHandler) Register(g *echo.Group) {
	g.POST("/topics", h.createTopic)
	g.GET("/topics", h.listTopics)
}

func (h *TopicsHandler) createTopic(c echo.Context) error {
	var req TopicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.CronExpr != "" {
		if _, err := cronexpr.Parse(req.CronExpr); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+err.Error())
		}
	}
	userID, _ := c.Get("user_id").(string)
	topic := store.Topic{
		UserID:    userID,
		Query:     req.Query,
		CronExpr:  req.CronExpr,
		CreatedAt: time.Now(),
	}
	if err := h.srv.st.SaveTopic(c.Request().Context(), topic); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (h *TopicsHandler) listTopics(c echo.Context) error {
	topics, err := h.srv.st.ListTopics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, topics)
}
