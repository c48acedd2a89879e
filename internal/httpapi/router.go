package httpapi

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"gptclone/backend/internal/auth"
	"gptclone/backend/internal/config"
	"gptclone/backend/internal/gemini"
	"gptclone/backend/internal/session"
	"gptclone/backend/internal/titles"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(ctx context.Context, cfg config.Config, db *sql.DB) http.Handler {
	store := session.NewStore(db)
	verifier := auth.NewVerifier(cfg.GoogleClientID, cfg.InsecureSkipGoogleVerify)
	model := gemini.NewClient(cfg, nil)
	titleGenerator := titles.NewGenerator(model, cfg.TitleMaxRetries, cfg.TitleTimeout)

	var files fileObjectStore
	if cfg.GCSUploadBucket != "" {
		objectStore, err := newGCSObjectStore(ctx, cfg.GCSUploadBucket)
		if err != nil {
			log.Printf("upload storage unavailable bucket=%s err=%v", cfg.GCSUploadBucket, err)
		} else {
			files = objectStore
		}
	}

	h := NewHandlerWithFileStore(cfg, db, store, verifier, model, titleGenerator, files)

	chatLimiter := newRateLimiter(cfg.ChatRateLimitPerMinute, time.Minute)
	uploadLimiter := newRateLimiter(cfg.UploadRateLimitPerMinute, time.Minute)
	authLimiter := newRateLimiter(cfg.AuthRateLimitPer5Minutes, 5*time.Minute)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub"},
		ExposedHeaders:   []string{"Content-Type", "X-Chat-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.With(authLimiter.middleware).Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
		})

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireSession)
			p.With(chatLimiter.middleware).Post("/chat/messages", h.ChatMessages)
			p.With(uploadLimiter.middleware).Post("/upload", h.UploadFile)

			p.Get("/conversations", h.ListConversations)
			p.Delete("/conversations", h.DeleteAllConversations)
			p.Get("/conversations/{id}/messages", h.ListConversationMessages)
			p.Patch("/conversations/{id}", h.RenameConversation)
			p.Delete("/conversations/{id}", h.DeleteConversation)
		})
	})

	return r
}
