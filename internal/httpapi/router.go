package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/common"
	"github.com/gopherchat/backend/internal/httpapi/handlers"
	"github.com/gopherchat/backend/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, resolver *auth.Resolver) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Requester(resolver))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/api/auth/guest", h.GuestAuth)
	r.POST("/api/auth/register", h.Register)
	r.POST("/api/auth/login", h.Login)

	authGroup := r.Group("/api")
	authGroup.Use(middleware.RequireIdentity())
	authGroup.POST("/chat", h.PostChat)
	authGroup.GET("/chat", h.ResumeChat)
	authGroup.DELETE("/chat", h.DeleteChat)
	authGroup.GET("/chat/:chat_id/messages", h.ListChatMessages)
	authGroup.GET("/history", h.ListChats)
	authGroup.GET("/jobs/:job_id", h.GetJob)

	return r
}
