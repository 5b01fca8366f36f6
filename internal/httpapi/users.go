package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
	"github.com/nexus-im/miniblog/store/user"
)

const requestTimeout = 3 * time.Second

type registerRequest struct {
	Name     string `json:"name" binding:"required,max=255"`
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string     `json:"token"`
	User  *user.User `json:"user"`
}

func (s *server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	u := &user.User{Name: strings.TrimSpace(req.Name), Email: strings.ToLower(req.Email), PasswordHash: hash}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrDuplicateEmail) {
			respondInvalid(c, fieldErrors{"email": {"has already been taken"}})
			return
		}
		s.fail(c, err)
		return
	}
	s.logger.Info("user registered", zap.Int64("user_id", u.ID))

	s.issueToken(c, http.StatusCreated, u)
}

func (s *server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	u, err := s.users.GetByEmail(ctx, strings.ToLower(req.Email))
	if err != nil && !errors.Is(err, user.ErrUserNotFound) {
		s.fail(c, err)
		return
	}
	if u == nil || auth.CheckPassword(u.PasswordHash, req.Password) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials."})
		return
	}

	s.issueToken(c, http.StatusOK, u)
}

func (s *server) issueToken(c *gin.Context, status int, u *user.User) {
	token, err := s.tokens.GenerateToken(u.ID, u.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, tokenResponse{Token: token, User: u})
}

func (s *server) currentUser(c *gin.Context) {
	s.respondUser(c, actor(c))
}

func (s *server) showUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	s.respondUser(c, id)
}

func (s *server) respondUser(c *gin.Context, id int64) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, user.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found."})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found."})
		return 0, false
	}
	return id, true
}
