package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/store"
)

// UserHandlers provides HTTP handlers for user operations.
type UserHandlers struct {
	store store.UserStore
	log   *zerolog.Logger
}

// NewUserHandlers creates a new user handlers instance.
func NewUserHandlers(st store.UserStore, logger *zerolog.Logger) *UserHandlers {
	return &UserHandlers{
		store: st,
		log:   logger,
	}
}

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// UsersResponse lists users.
type UsersResponse struct {
	Users []UserResponse `json:"users"`
}

// ListUsers returns every identity that has joined the chat.
// GET /api/users
func (h *UserHandlers) ListUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list users")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	c.JSON(http.StatusOK, UsersResponse{Users: out})
}

// GetUser returns a single user.
// GET /api/users/:id
func (h *UserHandlers) GetUser(c *gin.Context) {
	user, err := h.store.GetUserByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
			return
		}
		h.log.Error().Err(err).Str("user_id", c.Param("id")).Msg("failed to get user")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt.UnixMilli(),
	}
}
