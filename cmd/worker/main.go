package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gopherchat/backend/internal/ai"
	"github.com/gopherchat/backend/internal/chat"
	"github.com/gopherchat/backend/internal/config"
	"github.com/gopherchat/backend/internal/db"
	"github.com/gopherchat/backend/internal/store/rabbitmq"
	"github.com/gopherchat/backend/internal/stream"
	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := chat.NewRepo(gdb)

	// The worker produces only into the stream transport; clients collect
	// output through the resume endpoint. Detached generation therefore
	// requires a stream backend.
	var transport stream.Transport
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		transport = stream.NewRedis(rdb, cfg.StreamRetention, cfg.GenerationTimeout+cfg.StreamRetention)
	} else {
		log.Printf("REDIS_ADDR missing: job output is only reachable through persisted messages")
		transport = stream.NewRedis(nil, cfg.StreamRetention, 0)
	}

	// Provider registry (route by job.ModelID)
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

	svc := chat.NewService(repo, reg, cfg.AIProvider, cfg.ChatContextWindowSize)
	driver := chat.NewDriver(svc, transport, cfg.GenerationTimeout)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, repo, driver, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleJob runs one detached generation end to end: the stream record and
// channel are created exactly as in the request path, so a reconnecting
// client resumes a worker-produced stream the same way.
func handleJob(ctx context.Context, repo *chat.Repo, driver *chat.Driver, jobID string) error {
	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	chatRow, err := repo.GetChat(ctx, j.ChatID)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	history, err := repo.ListMessagesByChat(ctx, j.ChatID)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	var res chat.FinishResult
	records, streamID, err := driver.Generate(ctx, chat.GenerateRequest{
		Chat:      chatRow,
		History:   history,
		ModelID:   j.ModelID,
		Streaming: true,
		OnFinish:  func(r chat.FinishResult) { res = r },
	})
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	// Discard the requester-facing stream; consumers attach via resume.
	for range records {
	}

	if res.Err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, res.Err.Error())
		return res.Err
	}

	msgID := ""
	if res.Message != nil {
		msgID = res.Message.ID
	}
	if err := repo.MarkJobSucceeded(ctx, jobID, msgID); err != nil {
		log.Printf("mark job succeeded failed job=%s stream_id=%s err=%v", jobID, streamID, err)
		return err
	}
	return nil
}
