package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subjectContextKey     = "tandem_subject"
	displayNameContextKey = "tandem_display_name"
	roomParam             = "room"
	sessionParam          = "session"
	presenceGraceWait     = 2 * time.Second
)

var (
	errMissingCollabService = errors.New("collab service dependency required")
	errMissingDocumentStore = errors.New("document store dependency required")
)

// TokenValidator checks handshake tokens and returns the subject and display
// name they carry.
type TokenValidator interface {
	ValidateCollabToken(token string) (string, string, error)
}

// Dependencies wires the HTTP surface. Collab and Documents are required;
// Presence and Tokens are optional features toggled by deployment config.
type Dependencies struct {
	Collab         *collab.Service
	Documents      *docstore.Store
	Presence       *presence.Roster
	Tokens         TokenValidator
	IDProvider     IDProvider
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Collab == nil {
		return nil, errMissingCollabService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDProvider
	if ids == nil {
		ids = NewConnectionIDProvider()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		collab:    deps.Collab,
		documents: deps.Documents,
		presence:  deps.Presence,
		tokens:    deps.Tokens,
		ids:       ids,
		upgrader:  newUpgrader(origins),
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/collab")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.GET("/rooms", handler.handleListRooms)
	api.GET("/rooms/:room/presence", handler.handleRoomPresence)
	api.GET("/sessions/:session/files", handler.handleSessionFiles)
	api.GET("/ws", handler.handleCollabSocket)

	return router, nil
}

type httpHandler struct {
	collab    *collab.Service
	documents *docstore.Store
	presence  *presence.Roster
	tokens    TokenValidator
	ids       IDProvider
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type roomSummaryPayload struct {
	Room             string `json:"room"`
	Subscribers      int    `json:"subscribers"`
	PendingFragments int    `json:"pending_fragments"`
	LastActivityUnix int64  `json:"last_activity_unix"`
}

type roomListPayload struct {
	Rooms []roomSummaryPayload `json:"rooms"`
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	summaries := h.collab.Rooms()
	rooms := make([]roomSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		rooms = append(rooms, roomSummaryPayload{
			Room:             summary.Key,
			Subscribers:      summary.Subscribers,
			PendingFragments: summary.PendingFragments,
			LastActivityUnix: summary.LastActivityUnix,
		})
	}
	c.JSON(http.StatusOK, roomListPayload{Rooms: rooms})
}

type presencePayload struct {
	Room    string            `json:"room"`
	Members []presence.Member `json:"members"`
}

func (h *httpHandler) handleRoomPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}

	roomKey, err := collab.ParseRoomKey(c.Param(roomParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}

	members, err := h.presence.Active(c.Request.Context(), roomKey.String())
	if err != nil {
		h.logger.Error("failed to list room presence",
			zap.String("room", roomKey.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	if members == nil {
		members = []presence.Member{}
	}
	c.JSON(http.StatusOK, presencePayload{Room: roomKey.String(), Members: members})
}

type sessionFilePayload struct {
	FileID        string `json:"file_id"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

type sessionFilesPayload struct {
	SessionID string               `json:"session_id"`
	Files     []sessionFilePayload `json:"files"`
}

func (h *httpHandler) handleSessionFiles(c *gin.Context) {
	sessionID := c.Param(sessionParam)

	records, err := h.documents.ListSessionFiles(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidSessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
			return
		}
		h.logger.Error("failed to list session files",
			zap.String("session", sessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	files := make([]sessionFilePayload, 0, len(records))
	for _, record := range records {
		files = append(files, sessionFilePayload{
			FileID:        record.FileID,
			UpdatedAtUnix: record.UpdatedAtUnix,
		})
	}
	c.JSON(http.StatusOK, sessionFilesPayload{SessionID: strings.TrimSpace(sessionID), Files: files})
}

// authorizeRequest accepts a bearer header or, for browser websocket clients
// that cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject, displayName, err := h.tokens.ValidateCollabToken(token)
	if err != nil {
		h.logger.Warn("collab token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Set(displayNameContextKey, displayName)
	c.Next()
}

func (h *httpHandler) announcePresence(ctx context.Context, room, connectionID, displayName string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Announce(ctx, room, connectionID, displayName); err != nil {
		h.logger.Debug("presence announce failed",
			zap.String("room", room),
			zap.String("connection", connectionID),
			zap.Error(err))
	}
}

func (h *httpHandler) heartbeatPresence(ctx context.Context, room, connectionID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Heartbeat(ctx, room, connectionID); err != nil {
		h.logger.Debug("presence heartbeat failed",
			zap.String("room", room),
			zap.String("connection", connectionID),
			zap.Error(err))
	}
}

func (h *httpHandler) withdrawPresence(room, connectionID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceGraceWait)
	defer cancel()
	if err := h.presence.Withdraw(ctx, room, connectionID); err != nil {
		h.logger.Debug("presence withdraw failed",
			zap.String("room", room),
			zap.String("connection", connectionID),
			zap.Error(err))
	}
}
