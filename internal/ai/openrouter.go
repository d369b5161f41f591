package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouterProvider speaks the OpenAI-compatible chat completions API with
// OpenRouter's attribution headers. Streaming responses arrive as SSE
// `data:` lines terminated by a `[DONE]` sentinel.
type OpenRouterProvider struct {
	baseURL string
	apiKey  string
	model   string
	siteURL string
	appName string

	oneShot   *http.Client
	streaming *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		siteURL:   siteURL,
		appName:   appName,
		oneShot:   &http.Client{Timeout: 90 * time.Second},
		streaming: &http.Client{},
	}
}

type openRouterTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterPayload struct {
	Model    string           `json:"model"`
	Messages []openRouterTurn `json:"messages"`
	Stream   bool             `json:"stream"`
}

type openRouterAPIError struct {
	Message string `json:"message"`
}

type openRouterCompletion struct {
	Choices []struct {
		Message openRouterTurn `json:"message"`
	} `json:"choices"`
	Error *openRouterAPIError `json:"error,omitempty"`
}

type openRouterDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openRouterAPIError `json:"error,omitempty"`
}

func (p *OpenRouterProvider) newCompletionRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	if strings.TrimSpace(p.model) == "" {
		return nil, errors.New("openrouter: model is required")
	}

	turns := make([]openRouterTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, openRouterTurn{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(openRouterPayload{Model: p.model, Messages: turns, Stream: stream})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.siteURL != "" {
		req.Header.Set("HTTP-Referer", p.siteURL)
	}
	if p.appName != "" {
		req.Header.Set("X-Title", p.appName)
	}
	return req, nil
}

func openRouterStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openrouter: %s", msg)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.newCompletionRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.oneShot.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", openRouterStatusError(resp)
	}

	var completion openRouterCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", err
	}
	if completion.Error != nil && completion.Error.Message != "" {
		return "", errors.New(completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return completion.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content deltas via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newCompletionRequest(ctx, messages, true)
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
			errs <- openRouterStatusError(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var delta openRouterDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				errs <- err
				return
			}
			if delta.Error != nil && delta.Error.Message != "" {
				errs <- errors.New(delta.Error.Message)
				return
			}
			if len(delta.Choices) == 0 || delta.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case chunks <- delta.Choices[0].Delta.Content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
