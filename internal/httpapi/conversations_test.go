package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gptclone/backend/internal/session"
)

func TestListConversationsOrderedByRecency(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	older, err := handler.insertConversation(context.Background(), user.ID, "Older Chat")
	if err != nil {
		t.Fatalf("insert older conversation: %v", err)
	}
	newer, err := handler.insertConversation(context.Background(), user.ID, "Newer Chat")
	if err != nil {
		t.Fatalf("insert newer conversation: %v", err)
	}

	// Bump the older conversation so recency ordering is observable.
	if _, err := database.Exec(`
UPDATE conversations SET updated_at = datetime('now', '+1 hour') WHERE id = ?;
`, older.ID); err != nil {
		t.Fatalf("bump conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req = requestWithSessionUser(req, user)
	resp := httptest.NewRecorder()

	handler.ListConversations(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var listed struct {
		Conversations []conversationResponse `json:"conversations"`
	}
	decodeJSONBody(t, resp, &listed)
	if len(listed.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(listed.Conversations))
	}
	if listed.Conversations[0].ID != older.ID || listed.Conversations[1].ID != newer.ID {
		t.Fatalf("unexpected ordering: %+v", listed.Conversations)
	}
}

func TestListConversationsScopedByUser(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user1 := session.User{ID: "user-1"}
	user2 := session.User{ID: "user-2"}
	seedUser(t, database, user1.ID, "user1@example.com")
	seedUser(t, database, user2.ID, "user2@example.com")

	if _, err := handler.insertConversation(context.Background(), user1.ID, "Mine"); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req = requestWithSessionUser(req, user2)
	resp := httptest.NewRecorder()

	handler.ListConversations(resp, req)

	var listed struct {
		Conversations []conversationResponse `json:"conversations"`
	}
	decodeJSONBody(t, resp, &listed)
	if len(listed.Conversations) != 0 {
		t.Fatalf("expected no conversations for other user, got %d", len(listed.Conversations))
	}
}

func TestListConversationMessagesReturnsHistory(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	conversation, err := handler.insertConversation(context.Background(), user.ID, "History Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := handler.insertUserMessage(context.Background(), user.ID, conversation.ID, "question", []attachmentRef{{URL: "https://example.com/file.png", Filename: "file.png", MediaType: "image/png"}}); err != nil {
		t.Fatalf("insert user message: %v", err)
	}
	if _, err := handler.insertAssistantMessage(context.Background(), user.ID, conversation.ID, "answer", []citationResponse{{URL: "https://example.com/src", Title: "Source"}}); err != nil {
		t.Fatalf("insert assistant message: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+conversation.ID+"/messages", nil)
	req = requestWithSessionUser(req, user)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.ListConversationMessages(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var listed struct {
		Messages []messageResponse `json:"messages"`
	}
	decodeJSONBody(t, resp, &listed)
	if len(listed.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(listed.Messages))
	}
	if listed.Messages[0].Role != "user" || len(listed.Messages[0].Attachments) != 1 {
		t.Fatalf("unexpected user message: %+v", listed.Messages[0])
	}
	if listed.Messages[1].Role != "assistant" || len(listed.Messages[1].Citations) != 1 {
		t.Fatalf("unexpected assistant message: %+v", listed.Messages[1])
	}
	if listed.Messages[1].Citations[0].Title != "Source" {
		t.Fatalf("unexpected citation: %+v", listed.Messages[1].Citations[0])
	}
}

func TestListConversationMessagesNotOwnedReturnsEmptyList(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	owner := session.User{ID: "owner-1"}
	other := session.User{ID: "other-1"}
	seedUser(t, database, owner.ID, "owner@example.com")
	seedUser(t, database, other.ID, "other@example.com")

	conversation, err := handler.insertConversation(context.Background(), owner.ID, "Owner Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := handler.insertUserMessage(context.Background(), owner.ID, conversation.ID, "secret", nil); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+conversation.ID+"/messages", nil)
	req = requestWithSessionUser(req, other)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.ListConversationMessages(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var listed struct {
		Messages []messageResponse `json:"messages"`
	}
	decodeJSONBody(t, resp, &listed)
	if len(listed.Messages) != 0 {
		t.Fatalf("expected empty list for non-owner, got %d messages", len(listed.Messages))
	}
}

func TestRenameConversationNormalizesTitle(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	conversation, err := handler.insertConversation(context.Background(), user.ID, "Before")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/"+conversation.ID, strings.NewReader(`{"title":"  After   Rename  "}`))
	req = requestWithSessionUser(req, user)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.RenameConversation(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	var renamed struct {
		Conversation conversationResponse `json:"conversation"`
	}
	decodeJSONBody(t, resp, &renamed)
	if renamed.Conversation.Title != "After Rename" {
		t.Fatalf("unexpected normalized title: %q", renamed.Conversation.Title)
	}
}

func TestRenameConversationRejectsEmptyTitle(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	conversation, err := handler.insertConversation(context.Background(), user.ID, "Keep Me")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/"+conversation.ID, strings.NewReader(`{"title":"   "}`))
	req = requestWithSessionUser(req, user)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.RenameConversation(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}

	var title string
	if err := database.QueryRow(`SELECT title FROM conversations WHERE id = ?;`, conversation.ID).Scan(&title); err != nil {
		t.Fatalf("read title: %v", err)
	}
	if title != "Keep Me" {
		t.Fatalf("title must be unchanged, got %q", title)
	}
}

func TestRenameConversationNotOwnedReturnsUnauthorized(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	owner := session.User{ID: "owner-1"}
	other := session.User{ID: "other-1"}
	seedUser(t, database, owner.ID, "owner@example.com")
	seedUser(t, database, other.ID, "other@example.com")

	conversation, err := handler.insertConversation(context.Background(), owner.ID, "Owner Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/"+conversation.ID, strings.NewReader(`{"title":"Hijacked"}`))
	req = requestWithSessionUser(req, other)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.RenameConversation(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	var title string
	if err := database.QueryRow(`SELECT title FROM conversations WHERE id = ?;`, conversation.ID).Scan(&title); err != nil {
		t.Fatalf("read title: %v", err)
	}
	if title != "Owner Chat" {
		t.Fatalf("title must be unchanged, got %q", title)
	}
}

func TestDeleteConversationRemovesMessagesByCascade(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	conversation, err := handler.insertConversation(context.Background(), user.ID, "Doomed Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := handler.insertUserMessage(context.Background(), user.ID, conversation.ID, "bye", nil); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conversation.ID, nil)
	req = requestWithSessionUser(req, user)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.DeleteConversation(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	var messageCount int
	if err := database.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?;`, conversation.ID).Scan(&messageCount); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if messageCount != 0 {
		t.Fatalf("expected cascade delete of messages, got %d", messageCount)
	}
}

func TestDeleteConversationNotOwnedReturnsUnauthorized(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	owner := session.User{ID: "owner-1"}
	other := session.User{ID: "other-1"}
	seedUser(t, database, owner.ID, "owner@example.com")
	seedUser(t, database, other.ID, "other@example.com")

	conversation, err := handler.insertConversation(context.Background(), owner.ID, "Owner Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conversation.ID, nil)
	req = requestWithSessionUser(req, other)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.DeleteConversation(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?;`, conversation.ID).Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected conversation to remain, got %d", count)
	}
}

func TestDeleteConversationCleansAttachmentBlobs(t *testing.T) {
	fileStore := &stubFileStore{}
	handler, database := newTestHandlerWithFileStore(t, &stubStreamer{}, fileStore)
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	objectPath := "chat-uploads/users/user-1/f1/cat.png"
	publicURL := fileStore.PublicURL(objectPath)
	if err := fileStore.PutObject(context.Background(), objectPath, "image/png", []byte("png-bytes")); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	if _, err := database.Exec(`
INSERT INTO files (id, user_id, filename, media_type, size_bytes, storage_backend, storage_path, public_url)
VALUES ('f1', ?, 'cat.png', 'image/png', 9, 'gcs', ?, ?);
`, user.ID, objectPath, publicURL); err != nil {
		t.Fatalf("seed file row: %v", err)
	}

	conversation, err := handler.insertConversation(context.Background(), user.ID, "Attachment Chat")
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := handler.insertUserMessage(context.Background(), user.ID, conversation.ID, "look", []attachmentRef{{URL: publicURL, Filename: "cat.png", MediaType: "image/png"}}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conversation.ID, nil)
	req = requestWithSessionUser(req, user)
	req = requestWithConversationID(req, conversation.ID)
	resp := httptest.NewRecorder()

	handler.DeleteConversation(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	var fileCount int
	if err := database.QueryRow(`SELECT COUNT(*) FROM files WHERE id = 'f1';`).Scan(&fileCount); err != nil {
		t.Fatalf("count files: %v", err)
	}
	if fileCount != 0 {
		t.Fatalf("expected file row to be deleted, got %d", fileCount)
	}
	if len(fileStore.deletedPaths) != 1 || fileStore.deletedPaths[0] != objectPath {
		t.Fatalf("expected blob delete for %q, got %+v", objectPath, fileStore.deletedPaths)
	}
}

func TestDeleteAllConversationsScopedByUser(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	user1 := session.User{ID: "user-1"}
	user2 := session.User{ID: "user-2"}
	seedUser(t, database, user1.ID, "user1@example.com")
	seedUser(t, database, user2.ID, "user2@example.com")

	conversation1, err := handler.insertConversation(context.Background(), user1.ID, "U1 Chat A")
	if err != nil {
		t.Fatalf("insert conversation 1: %v", err)
	}
	if _, err := handler.insertConversation(context.Background(), user1.ID, "U1 Chat B"); err != nil {
		t.Fatalf("insert conversation 2: %v", err)
	}
	otherConversation, err := handler.insertConversation(context.Background(), user2.ID, "U2 Chat")
	if err != nil {
		t.Fatalf("insert other conversation: %v", err)
	}

	if _, err := handler.insertUserMessage(context.Background(), user1.ID, conversation1.ID, "mine", nil); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := handler.insertUserMessage(context.Background(), user2.ID, otherConversation.ID, "keep me", nil); err != nil {
		t.Fatalf("insert other message: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations", nil)
	req = requestWithSessionUser(req, user1)
	resp := httptest.NewRecorder()

	handler.DeleteAllConversations(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	var user1Count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?;`, user1.ID).Scan(&user1Count); err != nil {
		t.Fatalf("count user1 conversations: %v", err)
	}
	if user1Count != 0 {
		t.Fatalf("expected user1 conversations to be deleted, got %d", user1Count)
	}

	var user2Count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?;`, user2.ID).Scan(&user2Count); err != nil {
		t.Fatalf("count user2 conversations: %v", err)
	}
	if user2Count != 1 {
		t.Fatalf("expected user2 conversation to remain, got %d", user2Count)
	}
}
