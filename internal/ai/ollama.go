package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider speaks the Ollama /api/chat protocol. Responses stream as
// newline-delimited JSON objects; the final object carries done=true.
type OllamaProvider struct {
	baseURL string
	model   string

	// oneShot has a hard timeout; streaming is bounded by the caller's ctx.
	oneShot   *http.Client
	streaming *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		baseURL:   baseURL,
		model:     model,
		oneShot:   &http.Client{Timeout: 90 * time.Second},
		streaming: &http.Client{},
	}
}

type ollamaTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatPayload struct {
	Model    string       `json:"model"`
	Messages []ollamaTurn `json:"messages"`
	Stream   bool         `json:"stream"`
}

type ollamaChunk struct {
	Message ollamaTurn `json:"message"`
	Done    bool       `json:"done"`
	Error   string     `json:"error,omitempty"`
}

func (p *OllamaProvider) newChatRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	turns := make([]ollamaTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, ollamaTurn{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(ollamaChatPayload{Model: p.model, Messages: turns, Stream: stream})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.newChatRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.oneShot.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", err
	}
	if chunk.Error != "" {
		return "", errors.New(chunk.Error)
	}
	return chunk.Message.Content, nil
}

// StreamChat returns immediately; both channels close when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newChatRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.streaming.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- fmt.Errorf("ollama: status %d", resp.StatusCode)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024) // long JSON lines

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errs <- err
				return
			}
			if chunk.Error != "" {
				errs <- errors.New(chunk.Error)
				return
			}
			if chunk.Message.Content != "" {
				select {
				case chunks <- chunk.Message.Content:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
