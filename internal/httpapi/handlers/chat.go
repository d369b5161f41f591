package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gopherchat/backend/internal/chat"
	"github.com/gopherchat/backend/internal/common"
	"github.com/gopherchat/backend/internal/httpapi/middleware"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type postMessage struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Parts       json.RawMessage `json:"parts"`
	Attachments json.RawMessage `json:"experimental_attachments"`
}

type postChatReq struct {
	ID                     string      `json:"id" binding:"required"`
	Message                postMessage `json:"message" binding:"required"`
	SelectedChatModel      string      `json:"selectedChatModel"`
	SelectedVisibilityType string      `json:"selectedVisibilityType"`
	Provider               string      `json:"provider"`
}

// PostChat starts a generation for a chat (creating the chat on first
// message) and streams the wire-format response. `?mode=sync` forces
// single-shot generation; `?mode=async` enqueues a detached job instead and
// the client collects output through resume.
func (h *Handler) PostChat(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	var req postChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Message.ID == "" || req.Message.Role != "user" || len(req.Message.Parts) == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "message id, user role and parts required")
		return
	}
	userText := chat.TextFromParts(datatypes.JSON(req.Message.Parts))
	if userText == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "message has no text content")
		return
	}

	ctx := c.Request.Context()

	if err := h.ChatSvc.CheckRateLimit(ctx, requester); err != nil {
		failErr(c, err)
		return
	}

	chatRow, err := h.ChatSvc.EnsureChat(ctx, req.ID, requester, chat.Visibility(req.SelectedVisibilityType), userText)
	if err != nil {
		failErr(c, err)
		return
	}

	userMsg := &chat.Message{
		ID:          req.Message.ID,
		ChatID:      chatRow.ID,
		Role:        "user",
		Parts:       datatypes.JSON(req.Message.Parts),
		Attachments: datatypes.JSON(req.Message.Attachments),
		CreatedAt:   time.Now(),
	}
	if err := h.ChatSvc.SaveUserMessage(ctx, userMsg); err != nil {
		failErr(c, err)
		return
	}

	if c.Query("mode") == "async" {
		h.enqueueGeneration(c, requester.UserID, chatRow.ID, req.SelectedChatModel)
		return
	}

	history, err := h.ChatSvc.Repo().ListMessagesByChat(ctx, chatRow.ID)
	if err != nil {
		failErr(c, err)
		return
	}

	records, streamID, err := h.Driver.Generate(ctx, chat.GenerateRequest{
		Chat:     chatRow,
		History:  history,
		Provider: req.Provider,
		ModelID:  req.SelectedChatModel,
		Hints: chat.RequestHints{
			Longitude: c.GetHeader("X-Geo-Longitude"),
			Latitude:  c.GetHeader("X-Geo-Latitude"),
			City:      c.GetHeader("X-Geo-City"),
			Country:   c.GetHeader("X-Geo-Country"),
		},
		UseTools:  strings.EqualFold(c.GetHeader("X-Use-Tools"), "true"),
		Streaming: c.Query("mode") != "sync",
	})
	if err != nil {
		failErr(c, err)
		return
	}

	c.Header("X-Stream-Id", streamID)
	streamRecords(c, records)
}

// ResumeChat reattaches a reconnecting client to the chat's latest stream:
// buffered + live chunks when the channel is still around, a synthetic
// append-message replay of a fresh assistant message otherwise, and 204 when
// there is nothing to resume.
func (h *Handler) ResumeChat(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	chatID := c.Query("chatId")
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "chatId required")
		return
	}

	records, err := h.Resumer.Resume(c.Request.Context(), chatID, requester)
	if err != nil {
		if errors.Is(err, chat.ErrNoContent) {
			c.Status(http.StatusNoContent)
			return
		}
		failErr(c, err)
		return
	}

	streamRecords(c, records)
}

// DeleteChat removes an owned chat, cascading to messages and stream records.
func (h *Handler) DeleteChat(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	id := c.Query("id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10005, "id required")
		return
	}

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), id, requester); err != nil {
		failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListChats pages the requester's chat history, newest first.
// startingAfter/endingBefore carry chat-id cursors.
func (h *Handler) ListChats(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	limitStr := c.Query("limit")
	if limitStr == "" {
		common.Fail(c, http.StatusBadRequest, 10011, "limit required")
		return
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10011, "limit must be an integer")
		return
	}

	chats, hasMore, err := h.ChatSvc.ListChats(c.Request.Context(), requester,
		limit, c.Query("startingAfter"), c.Query("endingBefore"))
	if err != nil {
		failErr(c, err)
		return
	}
	common.Ok(c, gin.H{"chats": chats, "has_more": hasMore})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	msgs, err := h.ChatSvc.History(c.Request.Context(), c.Param("chat_id"), requester)
	if err != nil {
		failErr(c, err)
		return
	}
	common.Ok(c, gin.H{"messages": msgs})
}

// streamRecords copies wire records to the response until the source closes.
// After a client disconnect it keeps draining so the generation never blocks
// on a dead connection; the generation itself runs to completion regardless.
func streamRecords(c *gin.Context, records <-chan []byte) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	clientOK := true

	for rec := range records {
		if !clientOK {
			continue
		}
		if _, err := c.Writer.Write(rec); err != nil {
			clientOK = false
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// enqueueGeneration creates a job row (idempotent when the client supplies a
// key) and publishes it for the worker.
func (h *Handler) enqueueGeneration(c *gin.Context, userID, chatID, modelID string) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusBadRequest, 10006, "async mode is not enabled")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10007, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("[enqueueGeneration] NewULID failed user_id=%s chat_id=%s err=%v", userID, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         userID,
		ChatID:         chatID,
		ModelID:        modelID,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	j, created, err := h.ChatSvc.Repo().CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("[enqueueGeneration] CreateJobOrGetExisting failed user_id=%s chat_id=%s err=%v", userID, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("[enqueueGeneration] PublishJob failed user_id=%s chat_id=%s job_id=%s err=%v", userID, chatID, j.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.Ok(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	requester := middleware.IdentityFromContext(c)
	if requester == nil {
		failErr(c, errUnauthorized)
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10008, "job_id required")
		return
	}

	j, err := h.ChatSvc.Repo().GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != requester.UserID {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.Ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
