package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradevane/internal/logger"
)

// OpenAIChatClient talks to any OpenAI-compatible chat completion endpoint
// (/v1/chat/completions). DeepSeek and Qwen gateways accept the same shape.
type OpenAIChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// Retries for 429/5xx inside one call; 0 means the default of 2.
	MaxRetries   int
	ExtraHeaders map[string]string
}

func (c *OpenAIChatClient) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	url := strings.TrimRight(c.BaseURL, "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	// Tolerate configs that already include the completion path.
	url = strings.TrimSuffix(url, "/chat/completions") + "/chat/completions"

	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	body := map[string]any{"model": c.Model, "messages": messages, "temperature": 0.3}
	b, _ := json.Marshal(body)

	httpc := &http.Client{Timeout: c.Timeout}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt == 0 {
			logger.Debugf("[ai] POST %s model=%s key=%s bytes=%d", url, c.Model, maskKey(c.APIKey), len(b))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		for k, v := range c.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			lastErr = err
			break
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				lastErr = derr
				break
			}
			if len(r.Choices) == 0 {
				lastErr = fmt.Errorf("empty choices")
				break
			}
			return r.Choices[0].Message.Content, nil
		}
		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		resp.Body.Close()
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		lastErr = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
		if !retriableStatus(resp.StatusCode) || attempt >= maxRetries {
			break
		}
		wait := retryAfter(resp.Header.Get("Retry-After"))
		if wait == 0 {
			wait = (800 * time.Millisecond) << attempt
			if wait > 8*time.Second {
				wait = 8 * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// OpenAIModelProvider adapts OpenAIChatClient to the ModelProvider interface.
type OpenAIModelProvider struct {
	id      string
	enabled bool
	client  interface {
		CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	}
}

func NewOpenAIModelProvider(id string, enabled bool, client interface {
	CallWithMessages(context.Context, string, string) (string, error)
}) *OpenAIModelProvider {
	return &OpenAIModelProvider{id: id, enabled: enabled, client: client}
}

func (p *OpenAIModelProvider) ID() string    { return p.id }
func (p *OpenAIModelProvider) Enabled() bool { return p.enabled }
func (p *OpenAIModelProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return p.client.CallWithMessages(ctx, systemPrompt, userPrompt)
}
