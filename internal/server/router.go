package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/waymark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/geocode"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/landmarks"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/users"
)

const actorContextKey = "waymark_actor"

var (
	errMissingTables      = errors.New("landmark tables dependency required")
	errMissingUserService = errors.New("user service dependency required")
	errMissingSessions    = errors.New("session issuer dependency required")
	heartbeatInterval     = 30 * time.Second
)

// Dependencies wires the HTTP layer to the core services.
type Dependencies struct {
	Tables   *landmarks.Tables
	Users    *users.Service
	Sessions *auth.SessionIssuer
	Realtime *RealtimeDispatcher
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tables == nil {
		return nil, errMissingTables
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		tables:   deps.Tables,
		users:    deps.Users,
		sessions: deps.Sessions,
		realtime: realtime,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/me", handler.handleProfile)
	protected.POST("/auth/password", handler.handleChangePassword)

	games := protected.Group("/games/:game")
	games.GET("/landmarks", handler.handleListLandmarks)
	games.POST("/landmarks", handler.handleCreateLandmark)
	games.POST("/landmarks/:id", handler.handleEditLandmark)
	games.DELETE("/landmarks/:id", handler.handleRemoveLandmark)
	games.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tables   *landmarks.Tables
	users    *users.Service
	sessions *auth.SessionIssuer
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	actor, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) string {
	value, _ := c.Get(actorContextKey)
	actor, _ := value.(string)
	return actor
}

type registerPayload struct {
	InviteCode     string `json:"invite_code"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	RepeatPassword string `json:"repeat_password"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Username == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}
	if request.InviteCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_invite_code"})
		return
	}
	if request.Password != request.RepeatPassword {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password_mismatch"})
		return
	}

	account, err := h.users.Register(request.InviteCode, request.Username, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueSessionCookie(c, account)
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Username == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}

	account, err := h.users.Authenticate(request.Username, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueSessionCookie(c, account)
}

func (h *httpHandler) issueSessionCookie(c *gin.Context, account users.Account) {
	token, expiresIn, err := h.sessions.IssueSession(account.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{
		"username":      account.Username,
		"profile_color": account.ProfileColor,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	actor := h.actor(c)
	c.JSON(http.StatusOK, gin.H{
		"username":      actor,
		"profile_color": h.users.ProfileColor(actor),
	})
}

type changePasswordPayload struct {
	OldPassword       string `json:"old_password"`
	NewPassword       string `json:"new_password"`
	RepeatNewPassword string `json:"repeat_new_password"`
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	var request changePasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.OldPassword == "" || request.NewPassword == "" || request.RepeatNewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_password"})
		return
	}
	if request.NewPassword != request.RepeatNewPassword {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password_mismatch"})
		return
	}
	if err := h.users.ChangePassword(h.actor(c), request.OldPassword, request.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListLandmarks(c *gin.Context) {
	store, err := h.tables.Table(c.Param("game"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var cursor *int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		cursor = &parsed
	}

	delta, err := store.Since(cursor, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if delta.Full {
		c.JSON(http.StatusOK, gin.H{"landmarks": delta.Table})
		return
	}
	c.JSON(http.StatusOK, gin.H{"landmarks": delta.Changes, "deleted": delta.Deleted})
}

type createLandmarkPayload struct {
	IGCoordinates json.RawMessage `json:"ig_coordinates"`
}

func (h *httpHandler) handleCreateLandmark(c *gin.Context) {
	store, err := h.tables.Table(c.Param("game"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request createLandmarkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	actor := h.actor(c)
	id, record, err := store.Create(c.Request.Context(), request.IGCoordinates, actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(c.Param("game"), actor, id)
	c.JSON(http.StatusOK, gin.H{"id": id, "landmark": record})
}

type editLandmarkPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (h *httpHandler) handleEditLandmark(c *gin.Context) {
	game := c.Param("game")
	store, err := h.tables.Table(game)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id, err := landmarks.NewLandmarkID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var key landmarks.FieldKey
	var value json.RawMessage
	var photo *landmarks.PhotoUpload

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		key = landmarks.FieldKey(c.PostForm("key"))
		fileHeader, fileErr := c.FormFile("value")
		if fileErr == nil && fileHeader != nil {
			file, openErr := fileHeader.Open()
			if openErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_upload"})
				return
			}
			defer file.Close()
			photo = &landmarks.PhotoUpload{Filename: fileHeader.Filename, Reader: file}
		}
	} else {
		var request editLandmarkPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		key = landmarks.FieldKey(request.Key)
		value = request.Value
	}

	actor := h.actor(c)
	record, err := store.Edit(c.Request.Context(), id, key, value, photo, actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(game, actor, id)
	c.JSON(http.StatusOK, gin.H{"landmark": record})
}

func (h *httpHandler) handleRemoveLandmark(c *gin.Context) {
	game := c.Param("game")
	store, err := h.tables.Table(game)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id, err := landmarks.NewLandmarkID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	actor := h.actor(c)
	if err := store.Remove(c.Request.Context(), id, actor); err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(game, actor, id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	game := c.Param("game")
	if _, err := h.tables.Table(game); err != nil {
		h.respondError(c, err)
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), game)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"source":    realtimeSourceBackend,
				"actor":     message.Actor,
				"landmarks": message.LandmarkIDs,
				"ts":        message.Timestamp.UnixMilli(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"source": realtimeSourceBackend})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) publishChange(game, actor string, id landmarks.LandmarkID) {
	h.realtime.Publish(RealtimeMessage{
		Game:        game,
		Actor:       actor,
		EventType:   RealtimeEventLandmarkChanged,
		LandmarkIDs: []string{id.String()},
		Timestamp:   time.Now(),
	})
}

// respondError maps core error kinds onto HTTP statuses and a stable error
// code payload.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, landmarks.ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_field"})
	case errors.Is(err, landmarks.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value"})
	case errors.Is(err, landmarks.ErrUnknownField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_field"})
	case errors.Is(err, landmarks.ErrUnknownLandmark):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_landmark"})
	case errors.Is(err, landmarks.ErrUnknownGame):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_game"})
	case errors.Is(err, landmarks.ErrUnsupportedImageFormat):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_image_format"})
	case errors.Is(err, landmarks.ErrImageDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_decode_failed"})
	case errors.Is(err, landmarks.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "table_busy"})
	case errors.Is(err, geocode.ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": "geocode_unavailable"})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, users.ErrInvalidInvite):
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_invite_code"})
	case errors.Is(err, users.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
	case errors.Is(err, users.ErrInvalidUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
	case errors.Is(err, users.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
