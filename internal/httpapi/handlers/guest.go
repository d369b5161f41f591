package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/common"
	"github.com/gopherchat/backend/internal/models"
)

// GuestAuth issues a guest identity: a user row with no credentials, a guest
// cookie and a short-lived session token. Guest chats survive reconnects
// because the cookie carries a stable owner id.
func (h *Handler) GuestAuth(c *gin.Context) {
	u := models.User{
		ID:   uuid.NewString(),
		Type: string(auth.TypeGuest),
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&u).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to create guest user")
		return
	}

	token, err := auth.SignJWT(u.ID, auth.TypeGuest, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to sign token")
		return
	}

	c.SetCookie(auth.GuestCookieName, u.ID, 30*24*3600, "/", "", false, true)
	c.SetCookie("session_token", token, 24*3600, "/", "", false, true)

	common.Ok(c, gin.H{"user_id": u.ID, "token": token})
}
