package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/common"
)

const (
	IdentityKey  = "identity"
	RequestIDKey = "request_id"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic recovered path=%s err=%v", c.Request.URL.Path, r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Requester resolves the caller's identity (session token or guest cookie)
// and stores it on the context. Resolution never blocks the request; routes
// that need an identity use RequireIdentity.
func Requester(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := resolver.Resolve(c.Request); id != nil {
			c.Set(IdentityKey, id)
		}
		c.Next()
	}
}

func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(IdentityKey); !ok {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFromContext returns the resolved requester, or nil.
func IdentityFromContext(c *gin.Context) *auth.Identity {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}
