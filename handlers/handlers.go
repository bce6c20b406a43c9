// Package handlers serves the local HTTP status and control surface.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"caesartv/agent"
	"caesartv/config"
	"caesartv/controller"
	"caesartv/database"
	"caesartv/models"
	"caesartv/pages"
	"caesartv/sentry"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

type Agent interface {
	Status() agent.Status
	Refresh(ctx context.Context) error
}

type Player interface {
	Status() controller.Status
	Skip()
	RetryCurrent()
}

type Library interface {
	CachedMedia(ctx context.Context) ([]models.MediaItem, error)
	RecentPlays(ctx context.Context, limit int) ([]database.PlayRecord, error)
}

type Manager struct {
	Agent   Agent
	Player  Player
	Library Library
	logger  *log.Entry
}

func NewManager(a Agent, p Player, l Library) *Manager {
	return &Manager{
		Agent:   a,
		Player:  p,
		Library: l,
		logger:  log.WithFields(log.Fields{"module": "handlers"}),
	}
}

// Router builds the gin engine with every route registered.
func (m *Manager) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), sentry.GetSentryGin())

	router.GET("/", m.handleIndex)
	router.GET("/healthz", m.handleHealth)
	router.GET("/status", m.handleStatus)
	router.GET("/media", m.handleMedia)
	router.GET("/history", m.handleHistory)
	router.POST("/sync", m.handleSync)
	router.POST("/skip", m.handleSkip)
	router.POST("/retry", m.handleRetry)
	return router
}

func (m *Manager) handleIndex(c *gin.Context) {
	plays, err := m.Library.RecentPlays(c.Request.Context(), defaultHistoryLimit)
	if err != nil {
		m.logger.Errorf("failed to load play history: %v", err)
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	err = pages.Status.Execute(c.Writer, gin.H{
		"Agent":   m.Agent.Status(),
		"Player":  m.Player.Status(),
		"Plays":   plays,
		"Version": config.Version,
	})
	if err != nil {
		m.logger.Errorf("failed to render status page: %v", err)
	}
}

func (m *Manager) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": config.Version})
}

func (m *Manager) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agent":  m.Agent.Status(),
		"player": m.Player.Status(),
	})
}

func (m *Manager) handleMedia(c *gin.Context) {
	items, err := m.Library.CachedMedia(c.Request.Context())
	if err != nil {
		m.logger.Errorf("failed to load cached media: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cached media"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (m *Manager) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(v, maxHistoryLimit)
	}

	plays, err := m.Library.RecentPlays(c.Request.Context(), limit)
	if err != nil {
		m.logger.Errorf("failed to load play history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load play history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plays": plays})
}

func (m *Manager) handleSync(c *gin.Context) {
	if err := m.Agent.Refresh(c.Request.Context()); err != nil {
		m.logger.Warnf("manual sync failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (m *Manager) handleSkip(c *gin.Context) {
	m.Player.Skip()
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (m *Manager) handleRetry(c *gin.Context) {
	m.Player.RetryCurrent()
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
