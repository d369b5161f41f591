package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gopherchat/backend/internal/chat"
	"github.com/gopherchat/backend/internal/chaterr"
	"github.com/gopherchat/backend/internal/common"
	"github.com/gopherchat/backend/internal/config"
	"github.com/gopherchat/backend/internal/store/rabbitmq"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Driver  *chat.Driver
	Resumer *chat.Resumer
	Rabbit  *rabbitmq.Publisher // nil disables the async generation mode
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, driver *chat.Driver, resumer *chat.Resumer, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		ChatSvc: svc,
		Driver:  driver,
		Resumer: resumer,
		Rabbit:  rabbit,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.Ok(c, gin.H{"pong": true})
}

// errUnauthorized is the shared failure for requests reaching a handler
// without a resolved identity.
var errUnauthorized = chaterr.New(chaterr.Unauthorized, 40101, "unauthorized")

// failErr renders any service error through the stable taxonomy; unknown
// errors collapse to the Internal kind.
func failErr(c *gin.Context, err error) {
	var ce *chaterr.Error
	if !errors.As(err, &ce) {
		ce = chaterr.New(chaterr.Internal, 50000, "internal error")
	}
	common.Fail(c, ce.Status(), ce.Code, ce.Message)
}
