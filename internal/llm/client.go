// Package llm talks to the external patch-generation service. The wire shape
// is the common chat-completion API; the pipeline only cares about the single
// contract generate_patch(prompt) -> unified diff.
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

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Generator is the collaborator contract the patch stage depends on.
type Generator interface {
	GeneratePatch(ctx context.Context, prompt string) (string, error)
}

// Client is an HTTP chat-completion client implementing Generator.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewClient creates an LLM client. endpoint is the full completions URL.
func NewClient(endpoint, apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const systemPrompt = "You are a senior Java engineer fixing a broken CI build. " +
	"Respond with a single unified diff and nothing else. " +
	"Only touch files under src/main/java, src/test/java, pom.xml or build.gradle."

// GeneratePatch sends the prompt and returns the model's unified diff.
func (c *Client) GeneratePatch(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", taskerr.Internal("llm.generate", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", taskerr.Internal("llm.generate", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", taskerr.Transient("llm.generate", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", taskerr.Transient("llm.generate", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", taskerr.Collaborator("llm.generate", "rate limited", true, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", taskerr.Collaborator("llm.generate", fmt.Sprintf("auth rejected (%d)", resp.StatusCode), false, nil)
	case resp.StatusCode >= 500:
		return "", taskerr.Collaborator("llm.generate", fmt.Sprintf("server error (%d)", resp.StatusCode), true, nil)
	case resp.StatusCode != http.StatusOK:
		return "", taskerr.Input("llm.generate", fmt.Sprintf("request rejected (%d): %.200s", resp.StatusCode, data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", taskerr.Input("llm.generate", "malformed completion response")
	}
	if parsed.Error != nil {
		return "", taskerr.Input("llm.generate", "service error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", taskerr.Input("llm.generate", "completion returned no choices")
	}
	return ExtractDiff(parsed.Choices[0].Message.Content), nil
}

// ExtractDiff strips markdown fences the model sometimes wraps around the
// diff despite instructions.
func ExtractDiff(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		var out []string
		inFence := false
		for _, line := range lines {
			if strings.HasPrefix(line, "```") {
				inFence = !inFence
				continue
			}
			if inFence {
				out = append(out, line)
			}
		}
		if len(out) > 0 {
			return strings.Join(out, "\n") + "\n"
		}
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content
}
