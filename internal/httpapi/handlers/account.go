package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/common"
	"github.com/gopherchat/backend/internal/models"
	"gorm.io/gorm"
)

type credentialsReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register creates a credentialed account. A registered user keeps the higher
// entitlement tier; guest chats stay on the guest identity.
func (h *Handler) Register(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10009, "email and password required")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || len(req.Password) < 6 {
		common.Fail(c, http.StatusBadRequest, 10010, "valid email and password of at least 6 chars required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to hash password")
		return
	}

	u := models.User{
		ID:           uuid.NewString(),
		Email:        &email,
		PasswordHash: &hash,
		Type:         string(auth.TypeRegular),
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			common.Fail(c, http.StatusConflict, 40901, "email already registered")
			return
		}
		// Drivers that don't translate duplicate-key errors land here too.
		var existing models.User
		if h.DB.WithContext(c.Request.Context()).First(&existing, "email = ?", email).Error == nil {
			common.Fail(c, http.StatusConflict, 40901, "email already registered")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to create user")
		return
	}

	h.issueSession(c, &u)
}

// Login verifies credentials and issues a session token.
func (h *Handler) Login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10009, "email and password required")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	var u models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&u, "email = ?", email).Error; err != nil {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}
	if u.PasswordHash == nil || !auth.CheckPassword(*u.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}

	h.issueSession(c, &u)
}

func (h *Handler) issueSession(c *gin.Context, u *models.User) {
	token, err := auth.SignJWT(u.ID, auth.UserType(u.Type), h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to sign token")
		return
	}
	c.SetCookie("session_token", token, 24*3600, "/", "", false, true)
	common.Ok(c, gin.H{"user_id": u.ID, "token": token})
}
