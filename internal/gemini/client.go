package gemini

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

	"gptclone/backend/internal/config"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("gemini api key is not configured")

type Part struct {
	Text             string            `json:"text,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type FileData struct {
	MIMEType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type GroundingWeb struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type GroundingChunk struct {
	Web *GroundingWeb `json:"web,omitempty"`
}

type GroundingSupport struct {
	GroundingChunkIndices []int `json:"groundingChunkIndices"`
}

type GroundingMetadata struct {
	GroundingChunks   []GroundingChunk   `json:"groundingChunks"`
	GroundingSupports []GroundingSupport `json:"groundingSupports"`
}

type CitationSource struct {
	URI string `json:"uri"`
}

type CitationMetadata struct {
	CitationSources []CitationSource `json:"citationSources"`
}

// Step records what one upstream invocation produced. Grounding and
// Citations stay nil when the model attached no source metadata.
type Step struct {
	Text         string
	Grounding    *GroundingMetadata
	Citations    *CitationMetadata
	FinishReason string
}

type StreamRequest struct {
	Model             string
	SystemInstruction string
	Contents          []Content
	WebSearch         bool
	MaxSteps          int
}

type StreamResult struct {
	Text  string
	Steps []Step
}

type streamAPIRequest struct {
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	Contents          []Content `json:"contents"`
	Tools             []apiTool `json:"tools,omitempty"`
}

type apiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type streamAPIChunk struct {
	Candidates []struct {
		Content           *Content           `json:"content"`
		GroundingMetadata *GroundingMetadata `json:"groundingMetadata"`
		CitationMetadata  *CitationMetadata  `json:"citationMetadata"`
		FinishReason      string             `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type generateAPIResponse struct {
	Candidates []struct {
		Content *Content `json:"content"`
	} `json:"candidates"`
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.GeminiAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.GeminiBaseURL), "/"),
		model:      strings.TrimSpace(cfg.GeminiModel),
		httpClient: httpClient,
	}
}

// StreamGenerate runs the model until it stops asking for tool calls or the
// step budget is spent. onStart fires once, before the first delta. Deltas
// from every step flow through onDelta in order.
func (c Client) StreamGenerate(
	ctx context.Context,
	req StreamRequest,
	onStart func() error,
	onDelta func(string) error,
) (StreamResult, error) {
	if c.apiKey == "" {
		return StreamResult{}, ErrMissingAPIKey
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return StreamResult{}, errors.New("model is required")
	}
	if len(req.Contents) == 0 {
		return StreamResult{}, errors.New("contents are required")
	}

	maxSteps := req.MaxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}

	var systemInstruction *Content
	if instruction := strings.TrimSpace(req.SystemInstruction); instruction != "" {
		systemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}

	var tools []apiTool
	if req.WebSearch {
		tools = []apiTool{{GoogleSearch: &struct{}{}}}
	}

	contents := append([]Content(nil), req.Contents...)

	var result StreamResult
	started := false
	startOnce := func() error {
		if started || onStart == nil {
			return nil
		}
		started = true
		return onStart()
	}

	for stepIndex := 0; stepIndex < maxSteps; stepIndex++ {
		step, modelContent, err := c.streamStep(ctx, model, streamAPIRequest{
			SystemInstruction: systemInstruction,
			Contents:          contents,
			Tools:             tools,
		}, startOnce, onDelta)
		if err != nil {
			return StreamResult{}, err
		}

		result.Text += step.Text
		result.Steps = append(result.Steps, step)

		pending := pendingFunctionCalls(modelContent)
		if len(pending) == 0 || stepIndex == maxSteps-1 {
			break
		}

		// No client-side tool executors exist; answer every call with an
		// error so the model can recover in its next step.
		contents = append(contents, modelContent)
		responses := make([]Part, 0, len(pending))
		for _, call := range pending {
			responses = append(responses, Part{FunctionResponse: &FunctionResponse{
				Name:     call.Name,
				Response: map[string]any{"error": "tool is not available"},
			}})
		}
		contents = append(contents, Content{Role: "user", Parts: responses})
	}

	return result, nil
}

func (c Client) streamStep(
	ctx context.Context,
	model string,
	req streamAPIRequest,
	onStart func() error,
	onDelta func(string) error,
) (Step, Content, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Step{}, Content{}, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Step{}, Content{}, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Step{}, Content{}, fmt.Errorf("request gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Step{}, Content{}, fmt.Errorf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := onStart(); err != nil {
		return Step{}, Content{}, err
	}

	var step Step
	modelContent := Content{Role: "model"}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var parsed streamAPIChunk
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return Step{}, Content{}, errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, candidate := range parsed.Candidates {
			if candidate.GroundingMetadata != nil {
				step.Grounding = candidate.GroundingMetadata
			}
			if candidate.CitationMetadata != nil {
				step.Citations = candidate.CitationMetadata
			}
			if candidate.FinishReason != "" {
				step.FinishReason = candidate.FinishReason
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.FunctionCall != nil {
					modelContent.Parts = append(modelContent.Parts, part)
					continue
				}
				if part.Text == "" {
					continue
				}
				step.Text += part.Text
				modelContent.Parts = append(modelContent.Parts, Part{Text: part.Text})
				if onDelta != nil {
					if err := onDelta(part.Text); err != nil {
						return Step{}, Content{}, err
					}
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return Step{}, Content{}, fmt.Errorf("read gemini stream: %w", err)
	}

	return step, modelContent, nil
}

// GenerateText runs a single non-streaming generation and returns the joined
// text parts of the first candidate.
func (c Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is required")
	}

	payload, err := json.Marshal(streamAPIRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed generateAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}

	var out strings.Builder
	for _, candidate := range parsed.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			out.WriteString(part.Text)
		}
		break
	}

	return strings.TrimSpace(out.String()), nil
}

func pendingFunctionCalls(content Content) []FunctionCall {
	var calls []FunctionCall
	for _, part := range content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}
