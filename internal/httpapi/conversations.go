package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

type conversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type attachmentRef struct {
	Kind      string `json:"type"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType,omitempty"`
}

type citationResponse struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type messageResponse struct {
	ID          string             `json:"id"`
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	Attachments []attachmentRef    `json:"attachments,omitempty"`
	Citations   []citationResponse `json:"citations,omitempty"`
	CreatedAt   string             `json:"createdAt"`
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
SELECT id, title, created_at, updated_at
FROM conversations
WHERE user_id = ?
ORDER BY updated_at DESC, created_at DESC;
`, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read conversations")
		return
	}
	defer rows.Close()

	conversations := make([]conversationResponse, 0, 16)
	for rows.Next() {
		var conversation conversationResponse
		if err := rows.Scan(&conversation.ID, &conversation.Title, &conversation.CreatedAt, &conversation.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to parse conversations")
			return
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// ListConversationMessages answers with an empty list for conversations the
// caller does not own. Unknown and unowned ids are indistinguishable here so
// the response never leaks whether a conversation exists.
func (h Handler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation id is required")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
SELECT m.id, m.role, m.content, m.attachments, m.citations, m.created_at
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.id = ? AND c.user_id = ?
ORDER BY m.created_at ASC, m.rowid ASC;
`, conversationID, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read messages")
		return
	}
	defer rows.Close()

	messages := make([]messageResponse, 0, 16)
	for rows.Next() {
		var message messageResponse
		var attachmentsJSON sql.NullString
		var citationsJSON sql.NullString
		if err := rows.Scan(&message.ID, &message.Role, &message.Content, &attachmentsJSON, &citationsJSON, &message.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to parse messages")
			return
		}
		if attachmentsJSON.Valid {
			if err := json.Unmarshal([]byte(attachmentsJSON.String), &message.Attachments); err != nil {
				log.Printf("parse message attachments failed message_id=%s err=%v", message.ID, err)
			}
		}
		if citationsJSON.Valid {
			if err := json.Unmarshal([]byte(citationsJSON.String), &message.Citations); err != nil {
				log.Printf("parse message citations failed message_id=%s err=%v", message.ID, err)
			}
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

func (h Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation id is required")
		return
	}

	var req renameConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	title := normalizeTitle(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	owned, err := h.conversationOwned(r.Context(), user.ID, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read conversation")
		return
	}
	if !owned {
		writeError(w, http.StatusUnauthorized, "unauthorized", "conversation is not accessible")
		return
	}

	var updated conversationResponse
	err = h.db.QueryRowContext(r.Context(), `
UPDATE conversations
SET title = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND user_id = ?
RETURNING id, title, created_at, updated_at;
`, title, conversationID, user.ID).Scan(&updated.ID, &updated.Title, &updated.CreatedAt, &updated.UpdatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to rename conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversation": updated})
}

func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation id is required")
		return
	}

	owned, err := h.conversationOwned(r.Context(), user.ID, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read conversation")
		return
	}
	if !owned {
		writeError(w, http.StatusUnauthorized, "unauthorized", "conversation is not accessible")
		return
	}

	blobRefs, err := h.listConversationBlobRefs(r.Context(), user.ID, conversationID)
	if err != nil {
		log.Printf("list conversation blob refs failed user_id=%s conversation_id=%s err=%v", user.ID, conversationID, err)
		blobRefs = nil
	}

	if _, err := h.db.ExecContext(r.Context(), `
DELETE FROM conversations
WHERE id = ? AND user_id = ?;
`, conversationID, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete conversation")
		return
	}

	h.cleanupAttachmentBlobs(r.Context(), user.ID, blobRefs)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) DeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	blobRefs, err := h.listUserBlobRefs(r.Context(), user.ID)
	if err != nil {
		log.Printf("list user blob refs failed user_id=%s err=%v", user.ID, err)
		blobRefs = nil
	}

	if _, err := h.db.ExecContext(r.Context(), `
DELETE FROM conversations
WHERE user_id = ?;
`, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete conversations")
		return
	}

	h.cleanupAttachmentBlobs(r.Context(), user.ID, blobRefs)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) conversationOwned(ctx context.Context, userID, conversationID string) (bool, error) {
	var one int
	err := h.db.QueryRowContext(ctx, `
SELECT 1
FROM conversations
WHERE id = ? AND user_id = ?
LIMIT 1;
`, conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h Handler) insertConversation(ctx context.Context, userID, title string) (conversationResponse, error) {
	title = normalizeTitle(title)
	if title == "" {
		title = "New Chat"
	}

	var conversation conversationResponse
	err := h.db.QueryRowContext(ctx, `
INSERT INTO conversations (id, user_id, title)
VALUES (?, ?, ?)
RETURNING id, title, created_at, updated_at;
`, uuid.NewString(), userID, title).Scan(&conversation.ID, &conversation.Title, &conversation.CreatedAt, &conversation.UpdatedAt)
	if err != nil {
		return conversationResponse{}, err
	}
	return conversation, nil
}

func (h Handler) updateConversationTitle(ctx context.Context, userID, conversationID, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		return errors.New("title is required")
	}
	_, err := h.db.ExecContext(ctx, `
UPDATE conversations
SET title = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND user_id = ?;
`, title, conversationID, userID)
	return err
}

func (h Handler) insertUserMessage(ctx context.Context, userID, conversationID, content string, attachments []attachmentRef) (string, error) {
	attachmentsJSON, err := marshalNullableJSON(attachments)
	if err != nil {
		return "", err
	}
	return h.insertMessage(ctx, userID, conversationID, "user", content, attachmentsJSON, sql.NullString{})
}

func (h Handler) insertAssistantMessage(ctx context.Context, userID, conversationID, content string, citations []citationResponse) (string, error) {
	citationsJSON, err := marshalNullableJSON(citations)
	if err != nil {
		return "", err
	}
	return h.insertMessage(ctx, userID, conversationID, "assistant", content, sql.NullString{}, citationsJSON)
}

func (h Handler) insertMessage(ctx context.Context, userID, conversationID, role, content string, attachments, citations sql.NullString) (string, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	messageID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, role, content, attachments, citations)
VALUES (?, ?, ?, ?, ?, ?);
`, messageID, conversationID, role, content, attachments, citations); err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND user_id = ?;
`, conversationID, userID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return messageID, nil
}

type storedBlobRef struct {
	FileID      string
	StoragePath string
}

// listConversationBlobRefs resolves the upload rows referenced by attachment
// URLs inside a conversation's messages. The join happens in Go because
// attachments live as JSON on the message row.
func (h Handler) listConversationBlobRefs(ctx context.Context, userID, conversationID string) ([]storedBlobRef, error) {
	return h.collectBlobRefs(ctx, userID, `
SELECT m.attachments
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.id = ? AND c.user_id = ? AND m.attachments IS NOT NULL;
`, conversationID, userID)
}

func (h Handler) listUserBlobRefs(ctx context.Context, userID string) ([]storedBlobRef, error) {
	return h.collectBlobRefs(ctx, userID, `
SELECT m.attachments
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.user_id = ? AND m.attachments IS NOT NULL;
`, userID)
}

func (h Handler) collectBlobRefs(ctx context.Context, userID, query string, args ...any) ([]storedBlobRef, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := make([]string, 0, 8)
	seen := make(map[string]struct{}, 8)
	for rows.Next() {
		var attachmentsJSON string
		if err := rows.Scan(&attachmentsJSON); err != nil {
			return nil, err
		}
		var attachments []attachmentRef
		if err := json.Unmarshal([]byte(attachmentsJSON), &attachments); err != nil {
			continue
		}
		for _, attachment := range attachments {
			url := strings.TrimSpace(attachment.URL)
			if url == "" {
				continue
			}
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			urls = append(urls, url)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]storedBlobRef, 0, len(urls))
	for _, url := range urls {
		var ref storedBlobRef
		err := h.db.QueryRowContext(ctx, `
SELECT id, storage_path
FROM files
WHERE user_id = ? AND public_url = ?
LIMIT 1;
`, userID, url).Scan(&ref.FileID, &ref.StoragePath)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	return refs, nil
}

// cleanupAttachmentBlobs deletes upload metadata and storage objects after
// their conversation is gone. Failures are aggregated and logged; the
// conversation delete has already committed and must not be rolled back.
func (h Handler) cleanupAttachmentBlobs(ctx context.Context, userID string, refs []storedBlobRef) {
	if len(refs) == 0 {
		return
	}

	var result *multierror.Error
	for _, ref := range refs {
		if _, err := h.db.ExecContext(ctx, `
DELETE FROM files
WHERE id = ? AND user_id = ?;
`, ref.FileID, userID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if h.files != nil && strings.TrimSpace(ref.StoragePath) != "" {
			if err := h.files.DeleteObject(ctx, ref.StoragePath); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Printf("cleanup attachment blobs failed user_id=%s err=%v", userID, err)
	}
}

func normalizeTitle(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

func marshalNullableJSON(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case []attachmentRef:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []citationResponse:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
