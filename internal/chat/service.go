package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gopherchat/backend/internal/ai"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/chaterr"
	"gorm.io/gorm"
)

// maxMessagesPerDay caps generation volume per entitlement tier over a
// rolling 24h window.
var maxMessagesPerDay = map[auth.UserType]int64{
	auth.TypeGuest:   20,
	auth.TypeRegular: 100,
}

const titleSystemPrompt = "You will generate a short title based on the first message a user begins a conversation with. " +
	"Ensure it is not more than 80 characters long. The title should be a summary of the user's message. " +
	"Do not use quotes or colons."

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	defaultProvider   string
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, defaultProvider string, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if defaultProvider == "" {
		defaultProvider = "ollama"
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		defaultProvider:   defaultProvider,
		contextWindowSize: contextWindowSize,
	}
}

func (s *Service) Repo() *Repo { return s.repo }

// AuthorizeRead checks whether the requester may read the chat: owners always
// may, anyone may read a public chat.
func (s *Service) AuthorizeRead(c *Chat, requester *auth.Identity) error {
	if c.Visibility == VisibilityPublic {
		return nil
	}
	if requester == nil || requester.UserID != c.UserID {
		return chaterr.New(chaterr.Forbidden, 40301, "not allowed to access this chat")
	}
	return nil
}

// GetChat loads a chat, mapping a missing row to the NotFound kind.
func (s *Service) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chaterr.New(chaterr.NotFound, 40401, "chat not found")
		}
		return nil, err
	}
	return c, nil
}

// EnsureChat returns the chat with the given id, creating it (owned by the
// requester, titled from the first user message) when absent. For existing
// private chats the requester must be the owner.
func (s *Service) EnsureChat(ctx context.Context, id string, requester *auth.Identity, visibility Visibility, firstUserText string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, id)
	if err == nil {
		if c.Visibility == VisibilityPrivate && c.UserID != requester.UserID {
			return nil, chaterr.New(chaterr.Forbidden, 40301, "not allowed to access this chat")
		}
		return c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if visibility != VisibilityPublic {
		visibility = VisibilityPrivate
	}
	c = &Chat{
		ID:         id,
		UserID:     requester.UserID,
		Title:      s.generateTitle(ctx, firstUserText),
		Visibility: visibility,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// truncateRunes shortens s to at most n runes; byte slicing could split a
// multi-byte rune and leave invalid UTF-8.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// generateTitle asks the configured provider for a one-line title; a provider
// failure falls back to a truncation of the user message.
func (s *Service) generateTitle(ctx context.Context, userText string) string {
	fallback := truncateRunes(strings.TrimSpace(userText), 80)
	if fallback == "" {
		fallback = "New chat"
	}

	provider, err := s.registry.Get(ctx, s.defaultProvider, "")
	if err != nil {
		return fallback
	}
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	title, err := provider.Chat(tctx, []ai.Message{
		{Role: "system", Content: titleSystemPrompt},
		{Role: "user", Content: userText},
	})
	if err != nil {
		log.Printf("title generation failed, using fallback err=%v", err)
		return fallback
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fallback
	}
	return truncateRunes(title, 80)
}

// CheckRateLimit enforces the per-tier daily message allowance.
func (s *Service) CheckRateLimit(ctx context.Context, requester *auth.Identity) error {
	limit, ok := maxMessagesPerDay[requester.Type]
	if !ok {
		limit = maxMessagesPerDay[auth.TypeGuest]
	}
	n, err := s.repo.CountUserMessagesSince(ctx, requester.UserID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if n >= limit {
		return chaterr.New(chaterr.RateLimited, 42901, "daily message limit reached")
	}
	return nil
}

func (s *Service) SaveUserMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return s.repo.SaveMessages(ctx, []Message{*m})
}

// History returns the chat's messages after an ownership/visibility check.
func (s *Service) History(ctx context.Context, chatID string, requester *auth.Identity) ([]Message, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.AuthorizeRead(c, requester); err != nil {
		return nil, err
	}
	return s.repo.ListMessagesByChat(ctx, chatID)
}

// ListChats pages the requester's own chats, newest first. At most one of the
// two cursors may be set; a cursor naming an unknown chat is NotFound.
func (s *Service) ListChats(ctx context.Context, requester *auth.Identity, limit int, startingAfter, endingBefore string) ([]Chat, bool, error) {
	if limit <= 0 || limit > 100 {
		return nil, false, chaterr.New(chaterr.BadRequest, 10011, "limit must be between 1 and 100")
	}
	if startingAfter != "" && endingBefore != "" {
		return nil, false, chaterr.New(chaterr.BadRequest, 10012, "only one of startingAfter and endingBefore may be set")
	}
	chats, hasMore, err := s.repo.ListChatsByUser(ctx, requester.UserID, limit, startingAfter, endingBefore)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, chaterr.New(chaterr.NotFound, 40403, "cursor chat not found")
		}
		return nil, false, err
	}
	return chats, hasMore, nil
}

// DeleteChat removes an owned chat and everything under it.
func (s *Service) DeleteChat(ctx context.Context, chatID string, requester *auth.Identity) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if requester == nil || c.UserID != requester.UserID {
		return chaterr.New(chaterr.Forbidden, 40302, "not allowed to delete this chat")
	}
	return s.repo.DeleteChat(ctx, chatID)
}

// providerMessages converts the trailing window of persisted history into the
// flat role/content form providers consume.
func (s *Service) providerMessages(history []Message) []ai.Message {
	start := 0
	if len(history) > s.contextWindowSize {
		start = len(history) - s.contextWindowSize
	}
	out := make([]ai.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		text := TextFromParts(m.Parts)
		if text == "" {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: text})
	}
	return out
}
