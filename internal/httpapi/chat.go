package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"gptclone/backend/internal/gemini"
	"gptclone/backend/internal/titles"
)

const (
	chatSystemPrompt = "You are a helpful assistant."

	maxPerFilePromptTextRunes = 10_000
	maxTotalPromptTextRunes   = 30_000
)

type uiMessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type uiMessage struct {
	ID    string          `json:"id,omitempty"`
	Role  string          `json:"role"`
	Parts []uiMessagePart `json:"parts"`
}

type chatRequest struct {
	ChatID    string      `json:"chatId,omitempty"`
	Messages  []uiMessage `json:"messages"`
	WebSearch *bool       `json:"webSearch,omitempty"`
}

// ChatMessages runs one full chat turn: resolve the conversation, persist the
// user turn, stream the model's reply as SSE, then persist the assistant
// turn. The conversation id travels in the X-Chat-ID header and in the
// metadata event so clients that missed the header still learn it.
func (h Handler) ChatMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	user, err := h.persistedSessionUser(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve user")
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages are required")
		return
	}
	lastMessage := req.Messages[len(req.Messages)-1]
	if lastMessage.Role != "user" {
		writeError(w, http.StatusBadRequest, "invalid_request", "last message must have role user")
		return
	}

	userText := joinTextParts(lastMessage, "\n")
	attachments := extractAttachments(lastMessage)
	if userText == "" && len(attachments) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "message needs text or attachments")
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	conversationID := strings.TrimSpace(req.ChatID)
	isNewConversation := conversationID == ""
	if isNewConversation {
		conversation, err := h.insertConversation(r.Context(), user.ID, titles.Fallback(joinTextParts(req.Messages[0], " ")))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to create conversation")
			return
		}
		conversationID = conversation.ID
	} else {
		owned, err := h.conversationOwned(r.Context(), user.ID, conversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to read conversation")
			return
		}
		if !owned {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
	}

	if _, err := h.insertUserMessage(r.Context(), user.ID, conversationID, userText, attachments); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save message")
		return
	}

	if isNewConversation {
		titlePrompt := joinTextParts(req.Messages[0], " ")
		userID := user.ID
		chatID := conversationID
		h.titles.RefineAsync(titlePrompt, func(title string) {
			if err := h.updateConversationTitle(context.Background(), userID, chatID, title); err != nil {
				log.Printf("update conversation title failed user_id=%s conversation_id=%s err=%v", userID, chatID, err)
			}
		})
	}

	contents, err := h.buildModelContents(r.Context(), user.ID, req.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to build model request")
		return
	}

	webSearch := true
	if req.WebSearch != nil {
		webSearch = *req.WebSearch
	}

	w.Header().Set("X-Chat-ID", conversationID)

	started := false
	var streamFailed bool
	result, err := h.model.StreamGenerate(
		r.Context(),
		gemini.StreamRequest{
			Model:             h.cfg.GeminiModel,
			SystemInstruction: chatSystemPrompt,
			Contents:          contents,
			WebSearch:         webSearch,
			MaxSteps:          h.cfg.ChatMaxSteps,
		},
		func() error {
			started = true
			writeSSEHeaders(w)
			return writeSSEEvent(w, map[string]any{"type": "metadata", "chatId": conversationID})
		},
		func(delta string) error {
			if err := writeSSEEvent(w, map[string]any{"type": "token", "delta": delta}); err != nil {
				streamFailed = true
				return err
			}
			return nil
		},
	)
	if err != nil {
		log.Printf("chat stream failed user_id=%s conversation_id=%s err=%v", user.ID, conversationID, err)
		if !started {
			writeError(w, http.StatusInternalServerError, "upstream_error", "model request failed")
			return
		}
		if !streamFailed {
			_ = writeSSEEvent(w, map[string]any{"type": "error", "message": "model request failed"})
			_ = writeSSEEvent(w, map[string]any{"type": "done"})
		}
		return
	}

	citations := extractCitations(result.Steps)

	// The client may disconnect right after the last token; the assistant
	// turn is persisted regardless.
	persistCtx := context.WithoutCancel(r.Context())
	if _, err := h.insertAssistantMessage(persistCtx, user.ID, conversationID, result.Text, citations); err != nil {
		// The caller already has the full answer; report the persist failure
		// without retracting the delivered stream.
		log.Printf("persist assistant message failed user_id=%s conversation_id=%s err=%v", user.ID, conversationID, err)
		_ = writeSSEEvent(w, map[string]any{"type": "error", "message": "failed to save assistant message"})
	}

	if len(citations) > 0 {
		_ = writeSSEEvent(w, map[string]any{"type": "citations", "citations": citations})
	}
	_ = writeSSEEvent(w, map[string]any{"type": "done"})
}

func joinTextParts(message uiMessage, separator string) string {
	parts := make([]string, 0, len(message.Parts))
	for _, part := range message.Parts {
		if part.Type != "text" {
			continue
		}
		text := strings.TrimSpace(part.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, separator)
}

func extractAttachments(message uiMessage) []attachmentRef {
	var attachments []attachmentRef
	for _, part := range message.Parts {
		if part.Type != "file" || strings.TrimSpace(part.URL) == "" {
			continue
		}
		mediaType := strings.TrimSpace(part.MediaType)
		kind := "document"
		if strings.HasPrefix(mediaType, "image/") {
			kind = "image"
		}
		size := part.Size
		if size < 0 {
			size = 0
		}
		attachments = append(attachments, attachmentRef{
			Kind:      kind,
			URL:       strings.TrimSpace(part.URL),
			Filename:  fallbackString(part.Filename, "attachment"),
			Size:      size,
			MediaType: mediaType,
		})
	}
	return attachments
}

// buildModelContents maps the UI transcript to model contents. Image
// attachments ride along as file data; document attachments are replaced
// with their extracted text so the model can read them.
func (h Handler) buildModelContents(ctx context.Context, userID string, messages []uiMessage) ([]gemini.Content, error) {
	contents := make([]gemini.Content, 0, len(messages))
	remainingExcerptRunes := maxTotalPromptTextRunes

	for _, message := range messages {
		role := "user"
		if message.Role == "assistant" {
			role = "model"
		}

		var parts []gemini.Part
		var excerpts strings.Builder
		for _, part := range message.Parts {
			switch part.Type {
			case "text":
				if strings.TrimSpace(part.Text) == "" {
					continue
				}
				parts = append(parts, gemini.Part{Text: part.Text})
			case "file":
				url := strings.TrimSpace(part.URL)
				if url == "" {
					continue
				}
				if strings.HasPrefix(part.MediaType, "image/") {
					parts = append(parts, gemini.Part{FileData: &gemini.FileData{
						MIMEType: part.MediaType,
						FileURI:  url,
					}})
					continue
				}
				if remainingExcerptRunes <= 0 {
					continue
				}
				excerpt, err := h.lookupExtractedText(ctx, userID, url)
				if err != nil {
					return nil, err
				}
				excerpt = trimToRunes(excerpt, maxPerFilePromptTextRunes)
				excerpt = trimToRunes(excerpt, remainingExcerptRunes)
				if excerpt == "" {
					continue
				}
				remainingExcerptRunes -= utf8.RuneCountInString(excerpt)
				fmt.Fprintf(&excerpts, "\n\nAttached file %s:\n%s", fallbackString(part.Filename, url), excerpt)
			}
		}

		if excerpts.Len() > 0 {
			parts = append(parts, gemini.Part{Text: excerpts.String()})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, gemini.Content{Role: role, Parts: parts})
	}

	if len(contents) == 0 {
		return nil, errors.New("no usable message content")
	}
	return contents, nil
}

func (h Handler) lookupExtractedText(ctx context.Context, userID, publicURL string) (string, error) {
	var extracted sql.NullString
	err := h.db.QueryRowContext(ctx, `
SELECT extracted_text
FROM files
WHERE user_id = ? AND public_url = ?
LIMIT 1;
`, userID, publicURL).Scan(&extracted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !extracted.Valid {
		return "", nil
	}
	return strings.TrimSpace(extracted.String), nil
}

func fallbackString(value, other string) string {
	if strings.TrimSpace(value) == "" {
		return other
	}
	return strings.TrimSpace(value)
}

func trimToRunes(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
