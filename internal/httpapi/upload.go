package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"rsc.io/pdf"
)

const (
	maxExtractedTextRunes      = 200_000
	defaultObjectStoragePrefix = "chat-uploads"
)

var (
	allowedUploadMediaTypes = map[string]string{
		"image/jpeg":      "image",
		"image/png":       "image",
		"image/gif":       "image",
		"image/webp":      "image",
		"application/pdf": "document",
	}

	filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type fileObjectStore interface {
	Backend() string
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
	PublicURL(objectPath string) string
}

type uploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mimeType"`
	Type     string `json:"type"`
}

func (h Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
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
	if h.files == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads_unconfigured", "upload storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+(1*1024*1024))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusBadRequest, "file_too_large", "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "request must be multipart/form-data")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "invalid_request", "file field is required")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read uploaded file")
		return
	}
	defer file.Close()

	mediaType := normalizeMediaType(header.Header.Get("Content-Type"))
	kind, allowed := allowedUploadMediaTypes[mediaType]
	if !allowed {
		writeError(w, http.StatusBadRequest, "unsupported_file_type", "supported types: JPEG, PNG, GIF, WebP images and PDF documents")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read uploaded file")
		return
	}
	if int64(len(data)) > h.cfg.MaxUploadBytes {
		writeError(w, http.StatusBadRequest, "file_too_large", "File too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "empty files are not allowed")
		return
	}

	extractedText := ""
	if mediaType == "application/pdf" {
		extractedText, err = extractPDFText(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "file_extraction_failed", "failed to read PDF attachment")
			return
		}
		extractedText = trimToRunes(extractedText, maxExtractedTextRunes)
	}

	filename := sanitizeFilename(header.Filename)
	fileID := uuid.NewString()
	objectPath := h.buildObjectPath(user.ID, fileID, filename)

	if err := h.files.PutObject(r.Context(), objectPath, mediaType, data); err != nil {
		log.Printf("upload object failed user_id=%s file_id=%s err=%v", user.ID, fileID, err)
		writeError(w, http.StatusBadGateway, "storage_error", "failed to store file")
		return
	}

	publicURL := h.files.PublicURL(objectPath)
	if _, err := h.db.ExecContext(r.Context(), `
INSERT INTO files (id, user_id, filename, media_type, size_bytes, storage_backend, storage_path, public_url, extracted_text)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fileID, user.ID, filename, mediaType, len(data), h.files.Backend(), objectPath, publicURL, nullableString(extractedText)); err != nil {
		log.Printf("persist file metadata failed user_id=%s file_id=%s err=%v", user.ID, fileID, err)
		_ = h.files.DeleteObject(r.Context(), objectPath)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save file metadata")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		URL:      publicURL,
		Filename: filename,
		Size:     int64(len(data)),
		MIMEType: mediaType,
		Type:     kind,
	})
}

func (h Handler) buildObjectPath(userID, fileID, filename string) string {
	prefix := strings.Trim(strings.TrimSpace(h.cfg.GCSUploadPrefix), "/")
	if prefix == "" {
		prefix = defaultObjectStoragePrefix
	}
	return path.Join(prefix, "users", userID, fileID, filename)
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var textBuilder strings.Builder
	runeCount := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		content := page.Content()
		for _, item := range content.Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if textBuilder.Len() > 0 {
				textBuilder.WriteByte('\n')
				runeCount++
			}
			textBuilder.WriteString(chunk)
			runeCount += utf8.RuneCountInString(chunk)
			if runeCount >= maxExtractedTextRunes {
				return trimToRunes(textBuilder.String(), maxExtractedTextRunes), nil
			}
		}
	}

	return textBuilder.String(), nil
}

func normalizeMediaType(raw string) string {
	mediaType := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	return mediaType
}

func nullableString(raw string) sql.NullString {
	if strings.TrimSpace(raw) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: raw, Valid: true}
}

func sanitizeFilename(raw string) string {
	base := strings.TrimSpace(filepath.Base(raw))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		base = "file"
	}

	extension := filepath.Ext(base)
	namePart := strings.TrimSuffix(base, extension)
	namePart = filenameSanitizer.ReplaceAllString(namePart, "_")
	namePart = strings.Trim(namePart, "._")
	if namePart == "" {
		namePart = "file"
	}

	extension = strings.ToLower(extension)
	extension = filenameSanitizer.ReplaceAllString(extension, "")
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	candidate := namePart + extension
	candidate = trimToRunes(candidate, 180)
	if strings.TrimSpace(candidate) == "" {
		return "file"
	}
	return candidate
}
