// Package chatclient consumes the streaming chat endpoint and keeps a
// client-side view of which conversation it is talking to. A fresh client
// starts unidentified; the first completed turn adopts the server-assigned
// chat id and triggers a single navigation callback.
package chatclient

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
	"sync"
)

const maxErrorBodyBytes = 8 * 1024

type MessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type Message struct {
	ID    string        `json:"id,omitempty"`
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type TurnResult struct {
	ChatID    string
	Text      string
	Citations []Citation
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	onNavigate func(chatID string)
	onRefresh  func()

	mu        sync.Mutex
	chatID    string
	navigated bool
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// OnNavigate fires once, after the first turn of a new conversation
	// completes and the server-assigned chat id is known.
	OnNavigate func(chatID string)
	// OnRefresh fires after every completed turn so conversation lists can
	// re-fetch titles and previews.
	OnRefresh func()
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: httpClient,
		onNavigate: opts.OnNavigate,
		onRefresh:  opts.OnRefresh,
	}
}

// ChatID returns the adopted conversation id, or empty while unidentified.
func (c *Client) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

type sendRequest struct {
	ChatID    string    `json:"chatId,omitempty"`
	Messages  []Message `json:"messages"`
	WebSearch *bool     `json:"webSearch,omitempty"`
}

type streamEvent struct {
	Type      string     `json:"type"`
	ChatID    string     `json:"chatId,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	Message   string     `json:"message,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

// Send posts one user turn and consumes the SSE reply. Deltas flow through
// onDelta as they arrive; the assembled turn comes back once the stream
// finishes.
func (c *Client) Send(ctx context.Context, messages []Message, webSearch *bool, onDelta func(delta string)) (TurnResult, error) {
	if len(messages) == 0 {
		return TurnResult{}, errors.New("messages are required")
	}

	c.mu.Lock()
	knownChatID := c.chatID
	c.mu.Unlock()

	payload, err := json.Marshal(sendRequest{
		ChatID:    knownChatID,
		Messages:  messages,
		WebSearch: webSearch,
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/messages", bytes.NewReader(payload))
	if err != nil {
		return TurnResult{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TurnResult{}, fmt.Errorf("request chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return TurnResult{}, fmt.Errorf("chat returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	result := TurnResult{ChatID: knownChatID}
	if headerChatID := strings.TrimSpace(resp.Header.Get("X-Chat-ID")); headerChatID != "" {
		result.ChatID = headerChatID
	}

	var text strings.Builder
	done := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}

		switch event.Type {
		case "metadata":
			if strings.TrimSpace(event.ChatID) != "" {
				result.ChatID = strings.TrimSpace(event.ChatID)
			}
		case "token":
			text.WriteString(event.Delta)
			if onDelta != nil {
				onDelta(event.Delta)
			}
		case "citations":
			result.Citations = event.Citations
		case "error":
			message := strings.TrimSpace(event.Message)
			if message == "" {
				message = "stream failed"
			}
			return TurnResult{}, errors.New(message)
		case "done":
			done = true
		}
	}
	if err := scanner.Err(); err != nil {
		return TurnResult{}, fmt.Errorf("read chat stream: %w", err)
	}
	if !done {
		return TurnResult{}, errors.New("stream ended without done event")
	}

	result.Text = text.String()
	c.completeTurn(result.ChatID)
	return result, nil
}

// completeTurn advances the identification state machine. Adoption happens on
// the first completed turn that carries a chat id; navigation fires exactly
// once, on that same turn. Refresh fires on every completed turn.
func (c *Client) completeTurn(chatID string) {
	c.mu.Lock()
	adopted := false
	if c.chatID == "" && strings.TrimSpace(chatID) != "" {
		c.chatID = strings.TrimSpace(chatID)
		adopted = true
	}
	shouldNavigate := adopted && !c.navigated
	if shouldNavigate {
		c.navigated = true
	}
	navigateTo := c.chatID
	c.mu.Unlock()

	if shouldNavigate && c.onNavigate != nil {
		c.onNavigate(navigateTo)
	}
	if c.onRefresh != nil {
		c.onRefresh()
	}
}
