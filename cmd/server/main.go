package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gopherchat/backend/internal/ai"
	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/chat"
	"github.com/gopherchat/backend/internal/config"
	"github.com/gopherchat/backend/internal/db"
	"github.com/gopherchat/backend/internal/httpapi"
	"github.com/gopherchat/backend/internal/httpapi/handlers"
	"github.com/gopherchat/backend/internal/models"
	"github.com/gopherchat/backend/internal/store/rabbitmq"
	"github.com/gopherchat/backend/internal/stream"
	redis "github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.StreamRecord{},
		&chat.Job{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	// Stream transport is an explicit dependency of the driver and the
	// resumer. Without REDIS_ADDR it is constructed disabled: resumability
	// degrades to persisted-message replay, nothing else changes.
	var transport stream.Transport
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Printf("redis unreachable, resumable streams disabled err=%v", err)
		}
		pcancel()
		transport = stream.NewRedis(rdb, cfg.StreamRetention, cfg.GenerationTimeout+cfg.StreamRetention)
	} else {
		log.Printf("resumable streams are disabled due to missing REDIS_ADDR")
		transport = stream.NewRedis(nil, cfg.StreamRetention, 0)
	}

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	if cfg.OpenRouterAPIKey != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
			_ = ctx
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		})
	}

	log.Printf("ai providers registered: %s", strings.Join(reg.Names(), ","))

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, reg, cfg.AIProvider, cfg.ChatContextWindowSize)
	driver := chat.NewDriver(svc, transport, cfg.GenerationTimeout)
	resumer := chat.NewResumer(svc, transport, cfg.ResumeFreshness)

	var rabbit *rabbitmq.Publisher
	if p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbit unavailable, async generation disabled err=%v", err)
	} else {
		rabbit = p
		defer rabbit.Close()
	}

	resolver := auth.NewResolver(cfg.JWTSecret)
	h := handlers.NewHandler(gdb, cfg, svc, driver, resumer, rabbit)
	router := httpapi.NewRouter(h, resolver)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("server listening addr=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
