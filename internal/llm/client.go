// Package llm provides the model-backed capability the LLM Composer and
// Grid Parameter Advisor call for plan proposals and parameter advice.
// Grounded on the pack's ice444999-coder-Bazil-The-Great/pkg/llm
// OpenAIClient: a plain net/http JSON chat-completions client with no
// vendor SDK, generalized to a provider-agnostic Client interface so a
// strategy's configured LLMModelConfig.Provider selects the backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of a chat-completions-style conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call: a system prompt, conversation
// history, and optional image attachments (for the image feature
// computer's MLLM analysis).
type Request struct {
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	ImagesBase64 []string
}

// Response is a completion's output text and token accounting.
type Response struct {
	Content      string
	PromptTokens int
	TotalTokens  int
}

// Client is the capability the composer/advisor/image computer depend
// on; HTTPClient implements it against any OpenAI-chat-completions-
// compatible endpoint (OpenAI, and any self-hosted gateway that mirrors
// the same wire format).
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// HTTPClient is a provider-agnostic chat-completions client, grounded on
// the pack's OpenAIClient.Chat/ChatWithHistory.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPClient creates a Client against baseURL (e.g.
// "https://api.openai.com/v1") using model and apiKey from the
// strategy's LLMModelConfig.
func NewHTTPClient(baseURL, model, apiKey string) *HTTPClient {
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, fmt.Errorf("llm: API key not configured")
	}

	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if len(req.ImagesBase64) > 0 {
		messages = append(messages, chatMessage{Role: "user", Content: imageContentParts(req.ImagesBase64)})
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   2000,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("llm: API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("llm: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("llm: no response choices returned")
	}

	return Response{
		Content:      strings.TrimSpace(parsed.Choices[0].Message.Content),
		PromptTokens: parsed.Usage.PromptTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}

// imageContentParts builds OpenAI's multi-part vision content array from
// base64-encoded images, for the screenshot/image feature source's MLLM
// analysis (§4.2 step 3).
func imageContentParts(imagesBase64 []string) []map[string]any {
	parts := make([]map[string]any, 0, len(imagesBase64))
	for _, img := range imagesBase64 {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]string{
				"url": "data:image/png;base64," + img,
			},
		})
	}
	return parts
}
