package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gopherchat/backend/internal/ai"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/chat"
	"github.com/gopherchat/backend/internal/config"
	"github.com/gopherchat/backend/internal/httpapi/handlers"
	"github.com/gopherchat/backend/internal/models"
	"github.com/gopherchat/backend/internal/stream"
	"gorm.io/gorm"
)

const testSecret = "router-test-secret"

type scriptedProvider struct {
	reply  string
	chunks []string
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	return p.reply, nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = messages
	chunks := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	repo   *chat.Repo
}

func newTestEnv(t *testing.T, prov *scriptedProvider) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}, &chat.StreamRecord{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := chat.NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	svc := chat.NewService(repo, reg, "fake", 20)
	transport := stream.NewMemory(time.Minute)
	driver := chat.NewDriver(svc, transport, 30*time.Second)
	resumer := chat.NewResumer(svc, transport, 15*time.Second)

	cfg := config.Config{JWTSecret: testSecret}
	h := handlers.NewHandler(db, cfg, svc, driver, resumer, nil)
	return &testEnv{
		router: NewRouter(h, auth.NewResolver(testSecret)),
		db:     db,
		repo:   repo,
	}
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.SignJWT(userID, auth.TypeRegular, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return "Bearer " + token
}

func postChatBody(chatID, msgID, text string) []byte {
	body := map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":    msgID,
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": text}},
		},
		"selectedVisibilityType": "private",
	}
	b, _ := json.Marshal(body)
	return b
}

func (e *testEnv) do(t *testing.T, method, target, authz string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestPostChat_StreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"hel", "lo"}})
	authz := bearerFor(t, "u1")

	w := env.do(t, http.MethodPost, "/api/chat", authz, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Stream-Id") == "" {
		t.Fatal("missing X-Stream-Id header")
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 records, got %d: %q", len(lines), lines)
	}
	if lines[0] != `0:"hel"` || lines[1] != `0:"lo"` {
		t.Fatalf("unexpected deltas: %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "e:") || !strings.HasPrefix(lines[3], "d:") {
		t.Fatalf("missing finish records: %q", lines[2:])
	}

	msgs, err := env.repo.ListMessagesByChat(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if got := chat.TextFromParts(msgs[1].Parts); got != "hello" {
		t.Fatalf("assistant text %q", got)
	}

	ids, err := env.repo.ListStreamIDs(context.Background(), "c1")
	if err != nil || len(ids) != 1 {
		t.Fatalf("stream ids: %v %v", ids, err)
	}
	if ids[0] != w.Header().Get("X-Stream-Id") {
		t.Fatalf("stream record %q does not match header %q", ids[0], w.Header().Get("X-Stream-Id"))
	}
}

func TestPostChat_SyncModeSingleShot(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "full answer"})
	authz := bearerFor(t, "u1")

	w := env.do(t, http.MethodPost, "/api/chat?mode=sync", authz, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 || lines[0] != `0:"full answer"` {
		t.Fatalf("unexpected records: %q", lines)
	}
}

func TestPostChat_Validation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "t"})
	authz := bearerFor(t, "u1")

	w := env.do(t, http.MethodPost, "/api/chat", authz, []byte(`{"id":"c1"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing message: status %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/chat", authz, []byte(`not json`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status %d", w.Code)
	}
}

func TestPostChat_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "t"})

	w := env.do(t, http.MethodPost, "/api/chat", "", postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPostChat_AsyncDisabledWithoutBroker(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "t"})
	authz := bearerFor(t, "u1")

	w := env.do(t, http.MethodPost, "/api/chat?mode=async", authz, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
}

func TestResumeChat_ReplaysCompletedStream(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"hel", "lo"}})
	authz := bearerFor(t, "u1")

	first := env.do(t, http.MethodPost, "/api/chat", authz, postChatBody("c1", "m1", "hi"))
	if first.Code != http.StatusOK {
		t.Fatalf("post status %d", first.Code)
	}

	resumed := env.do(t, http.MethodGet, "/api/chat?chatId=c1", authz, nil)
	if resumed.Code != http.StatusOK {
		t.Fatalf("resume status %d, body %s", resumed.Code, resumed.Body.String())
	}
	if resumed.Body.String() != first.Body.String() {
		t.Fatalf("resume body differs:\n%q\nvs\n%q", resumed.Body.String(), first.Body.String())
	}
}

func TestResumeChat_NoContent(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "t"})
	authz := bearerFor(t, "u1")

	if err := env.repo.CreateChat(context.Background(), &chat.Chat{
		ID: "c1", UserID: "u1", Title: "t", Visibility: chat.VisibilityPrivate, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/chat?chatId=c1", authz, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
}

func TestResumeChat_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})

	w := env.do(t, http.MethodPost, "/api/chat", bearerFor(t, "owner"), postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("post status %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/chat?chatId=c1", bearerFor(t, "stranger"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
}

func TestDeleteChat(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})
	owner := bearerFor(t, "owner")

	w := env.do(t, http.MethodPost, "/api/chat", owner, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("post status %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/chat?id=c1", bearerFor(t, "stranger"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger delete: status %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/chat?id=c1", owner, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("owner delete: status %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/chat/c1/messages", owner, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("after delete: status %d", w.Code)
	}
}

func TestListChatMessages_PublicChatReadableByAnyone(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})

	body := map[string]any{
		"id": "c1",
		"message": map[string]any{
			"id":    "m1",
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": "hi"}},
		},
		"selectedVisibilityType": "public",
	}
	b, _ := json.Marshal(body)
	w := env.do(t, http.MethodPost, "/api/chat", bearerFor(t, "owner"), b)
	if w.Code != http.StatusOK {
		t.Fatalf("post status %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/chat/c1/messages", bearerFor(t, "stranger"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Messages []chat.Message `json:"messages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Data.Messages))
	}
}

func TestListHistory_PagesNewestFirst(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})
	authz := bearerFor(t, "u1")

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		c := &chat.Chat{
			ID:         "c" + strconv.Itoa(i),
			UserID:     "u1",
			Title:      "t",
			Visibility: chat.VisibilityPrivate,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := env.repo.CreateChat(context.Background(), c); err != nil {
			t.Fatalf("create chat: %v", err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/history?limit=2", authz, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Chats   []chat.Chat `json:"chats"`
			HasMore bool        `json:"has_more"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.Chats) != 2 || resp.Data.Chats[0].ID != "c3" || resp.Data.Chats[1].ID != "c2" {
		t.Fatalf("unexpected page: %+v", resp.Data.Chats)
	}
	if !resp.Data.HasMore {
		t.Fatal("expected has_more on first page")
	}

	w = env.do(t, http.MethodGet, "/api/history", authz, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing limit: status %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/history?limit=2", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d", w.Code)
	}
}

func TestGuestAuth_IssuesUsableIdentity(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})

	w := env.do(t, http.MethodPost, "/api/auth/guest", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			UserID string `json:"user_id"`
			Token  string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.UserID == "" || resp.Data.Token == "" {
		t.Fatalf("incomplete guest identity: %+v", resp.Data)
	}

	w = env.do(t, http.MethodPost, "/api/chat", "Bearer "+resp.Data.Token, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("guest post status %d, body %s", w.Code, w.Body.String())
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "Title", chunks: []string{"a"}})
	creds := []byte(`{"email":"ann@example.com","password":"hunter22"}`)

	w := env.do(t, http.MethodPost, "/api/auth/register", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("register status %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/auth/register", "", creds)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/auth/login", "", []byte(`{"email":"ann@example.com","password":"wrong"}`))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			UserID string `json:"user_id"`
			Token  string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Token == "" {
		t.Fatal("missing session token")
	}

	w = env.do(t, http.MethodPost, "/api/chat", "Bearer "+resp.Data.Token, postChatBody("c1", "m1", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated post status %d, body %s", w.Code, w.Body.String())
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "t"})

	w := env.do(t, http.MethodGet, "/api/nope", bearerFor(t, "u1"), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
}
