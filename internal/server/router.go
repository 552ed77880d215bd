package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/campusfix/backend/internal/auth"
	"github.com/campusfix/backend/internal/rooms"
	"github.com/campusfix/backend/internal/tickets"
	"github.com/campusfix/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorContextKey = "campusfix_actor"

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingTicketService  = errors.New("ticket service dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingRoomService    = errors.New("room service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// GoogleVerifier validates Google ID tokens presented at sign-in.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, identity auth.SessionIdentity) (string, int64, error)
	ValidateSessionToken(token string) (auth.SessionIdentity, error)
}

// Dependencies wires the HTTP layer to its collaborating services.
type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   SessionTokenManager
	Tickets        *tickets.Service
	Users          *users.Service
	Rooms          *rooms.Service
	Dispatcher     *Dispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin router with all routes and middleware.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Tickets == nil {
		return nil, errMissingTicketService
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.GoogleVerifier,
		tokens:     deps.TokenManager,
		tickets:    deps.Tickets,
		users:      deps.Users,
		rooms:      deps.Rooms,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)
	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/:roomId/tickets", handler.handleListRoomTickets)
	router.GET("/rooms/:roomId/tickets/stream", handler.handleRoomTicketsStream)
	router.GET("/heatmap", handler.handleHeatmap)
	router.GET("/heatmap/stream", handler.handleHeatmapStream)
	router.GET("/tickets/stats", handler.handleTicketStats)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.PUT("/me/profile", handler.handleUpdateProfile)
	protected.GET("/me/tickets", handler.handleMyTickets)
	protected.GET("/me/tickets/stream", handler.handleMyTicketsStream)
	protected.POST("/tickets", handler.handleCreateTicket)
	protected.POST("/tickets/:ticketId/upvote", handler.handleToggleUpvote)

	staff := protected.Group("/")
	staff.Use(handler.requireStaff)
	staff.POST("/tickets/:ticketId/progress", handler.handleMarkInProgress)
	staff.POST("/tickets/:ticketId/review", handler.handleReview)
	staff.PUT("/rooms/:roomId", handler.handleUpsertRoom)
	staff.DELETE("/rooms/:roomId", handler.handleDeleteRoom)

	return router, nil
}

type httpHandler struct {
	verifier   GoogleVerifier
	tokens     SessionTokenManager
	tickets    *tickets.Service
	users      *users.Service
	rooms      *rooms.Service
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateSessionToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, tickets.Actor{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Role:        identity.Role,
	})
	c.Next()
}

func (h *httpHandler) requireStaff(c *gin.Context) {
	actor := currentActor(c)
	if actor.Role != users.RoleStaff {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff_only"})
		return
	}
	c.Next()
}

func currentActor(c *gin.Context) tickets.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return tickets.Actor{}
	}
	actor, ok := value.(tickets.Actor)
	if !ok {
		return tickets.Actor{}
	}
	return actor
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        profilePayload `json:"user"`
}

type profilePayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
	RollNumber  string `json:"roll_number,omitempty"`
	Course      string `json:"course,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Karma       int    `json:"karma"`
	IsBanned    bool   `json:"is_banned"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.users.ResolveOnLogin(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionIdentity{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Role:        identity.Role,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	reputation, err := h.users.Reputation(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to load reputation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reputation_load_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        newProfilePayload(identity, reputation),
	})
}

func newProfilePayload(identity users.Identity, reputation users.Reputation) profilePayload {
	return profilePayload{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Role:        identity.Role,
		RollNumber:  identity.RollNumber,
		Course:      identity.Course,
		Stream:      identity.Stream,
		Karma:       reputation.Karma,
		IsBanned:    reputation.IsBanned,
	}
}

func (h *httpHandler) handleMe(c *gin.Context) {
	actor := currentActor(c)
	identity, reputation, err := h.users.Profile(c.Request.Context(), actor.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
			return
		}
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_load_failed"})
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(identity, reputation))
}

type profileUpdatePayload struct {
	RollNumber string `json:"roll_number"`
	Course     string `json:"course"`
	Stream     string `json:"stream"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	actor := currentActor(c)
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.users.UpdateProfile(c.Request.Context(), actor.UserID, users.ProfileUpdate{
		RollNumber: request.RollNumber,
		Course:     request.Course,
		Stream:     request.Stream,
	})
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
			return
		}
		h.logger.Error("failed to update profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_update_failed"})
		return
	}

	reputation, err := h.users.Reputation(c.Request.Context(), actor.UserID)
	if err != nil {
		h.logger.Error("failed to load reputation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reputation_load_failed"})
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(identity, reputation))
}

type roomPayload struct {
	RoomID string  `json:"room_id"`
	Label  string  `json:"label"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	registered, err := h.rooms.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_load_failed"})
		return
	}
	payload := make([]roomPayload, 0, len(registered))
	for _, room := range registered {
		payload = append(payload, roomPayload{
			RoomID: room.RoomID,
			Label:  room.Label,
			X:      room.X,
			Y:      room.Y,
			Width:  room.Width,
			Height: room.Height,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": payload})
}

func (h *httpHandler) handleUpsertRoom(c *gin.Context) {
	actor := currentActor(c)
	var request roomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	room, err := h.rooms.Upsert(c.Request.Context(), rooms.Room{
		RoomID: c.Param("roomId"),
		Label:  request.Label,
		X:      request.X,
		Y:      request.Y,
		Width:  request.Width,
		Height: request.Height,
	}, actor.UserID)
	if err != nil {
		if errors.Is(err, rooms.ErrInvalidRoomID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
			return
		}
		h.logger.Error("failed to upsert room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_save_failed"})
		return
	}
	c.JSON(http.StatusOK, roomPayload{
		RoomID: room.RoomID,
		Label:  room.Label,
		X:      room.X,
		Y:      room.Y,
		Width:  room.Width,
		Height: room.Height,
	})
}

func (h *httpHandler) handleDeleteRoom(c *gin.Context) {
	err := h.rooms.Delete(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrInvalidRoomID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		case errors.Is(err, rooms.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		default:
			h.logger.Error("failed to delete room", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room_delete_failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}
